package courier

import "time"

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
