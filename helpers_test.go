package custseg

import (
	"fmt"
	"math/rand"
	"strconv"
)

var customerHeader = []string{"CustomerID", "Gender", "Region", ColLastPurchaseDays, ColCallsMade, ColMonthlySpending, ColDataUsageGB}

func customerTable(rows ...[]string) *Table {
	return &Table{Header: append([]string(nil), customerHeader...), Rows: rows}
}

// segmentProfile is the center of one synthetic customer segment.
type segmentProfile struct {
	lastPurchase, calls, spending, data float64
}

var syntheticSegments = []segmentProfile{
	{lastPurchase: 2, calls: 90, spending: 120, data: 30},
	{lastPurchase: 15, calls: 30, spending: 60, data: 10},
	{lastPurchase: 28, calls: 6, spending: 20, data: 2},
}

// syntheticCustomers returns n records spread over three well-separated
// segments. Record i belongs to segment i%3.
func syntheticCustomers(n int, seed int64) *Table {
	rng := rand.New(rand.NewSource(seed))
	genders := []string{"F", "M"}
	regions := []string{"East", "North", "South"}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

	t := customerTable()
	for i := 0; i < n; i++ {
		s := syntheticSegments[i%len(syntheticSegments)]
		t.Rows = append(t.Rows, []string{
			fmt.Sprintf("C%04d", i),
			genders[i%2],
			regions[(i/3)%3],
			f(s.lastPurchase + rng.Float64()),
			f(s.calls + rng.Float64()*3),
			f(s.spending + rng.Float64()*4),
			f(s.data + rng.Float64()),
		})
	}
	return t
}
