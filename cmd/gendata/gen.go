package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

var salesHeaders = []string{"ID", "Date", "Product", "Qty", "Price", "Store_ID"}

type product struct {
	name  string
	price float64
}

var products = []product{
	{"Laptop", 1200.00},
	{"Mouse", 25.50},
	{"Keyboard", 45.00},
	{"Monitor", 300.00},
	{"HDMI Cable", 15.00},
	{"Headphones", 80.00},
}

var stores = []int{101, 102, 103, 104, 105}

// generate produces n data rows, a dirty fraction of which carries one
// injected problem: an unparseable price or date, an empty ID, a bad
// quantity, or a non-ASCII product name. The same seed yields the same
// rows.
func generate(seed int64, n int, dirty float64) [][]string {
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]string, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, generateRow(rng, i, dirty))
	}
	return rows
}

func generateRow(rng *rand.Rand, id int, dirty float64) []string {
	p := products[rng.Intn(len(products))]

	idVal := strconv.Itoa(id)
	dateVal := randomDate(rng).Format("2006-01-02")
	nameVal := p.name
	qtyVal := strconv.Itoa(1 + rng.Intn(5))
	priceVal := fmt.Sprintf("%g", p.price)
	storeVal := strconv.Itoa(stores[rng.Intn(len(stores))])

	if rng.Float64() < dirty {
		switch rng.Intn(5) {
		case 0:
			priceVal = dirtyPrice(rng, p.price)
		case 1:
			dateVal = dirtyDate(rng, randomDate(rng))
		case 2:
			idVal = ""
		case 3:
			qtyVal = []string{"-1", "0", "two"}[rng.Intn(3)]
		case 4:
			nameVal = "Café " + p.name
		}
	}
	return []string{idVal, dateVal, nameVal, qtyVal, priceVal, storeVal}
}

func randomDate(rng *rand.Rand) time.Time {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	days := int(time.Since(start).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return start.AddDate(0, 0, rng.Intn(days))
}

// dirtyPrice reformats a price so that some variants still parse (currency
// markers) and some do not (trailing unit text).
func dirtyPrice(rng *rand.Rand, price float64) string {
	switch rng.Intn(3) {
	case 0:
		return fmt.Sprintf("$%.2f", price)
	case 1:
		return fmt.Sprintf("USD %g", price)
	default:
		return fmt.Sprintf("%g dollars", price)
	}
}

// dirtyDate reformats or corrupts a date; the slash layout still parses,
// the rest become per-row rejects.
func dirtyDate(rng *rand.Rand, t time.Time) string {
	switch rng.Intn(4) {
	case 0:
		return t.Format("2006/01/02")
	case 1:
		return t.Format("02-01-2006")
	case 2:
		return t.Format("Jan 02, 2006")
	default:
		return "2025/13/45"
	}
}
