package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsedPercentFloorsDivision(t *testing.T) {
	u := Usage{UsedBytes: 1, QuotaBytes: 3}
	assert.Equal(t, 0, u.UsedPercent) // UsedPercent isn't computed by the struct itself

	u.UsedPercent = int(100 * u.UsedBytes / u.QuotaBytes)
	assert.Equal(t, 33, u.UsedPercent)
}

func TestUsageStringUnbounded(t *testing.T) {
	u := Usage{UsedBytes: 1024}
	assert.Equal(t, "1.0 kB", u.String())
}

func TestUsageStringBounded(t *testing.T) {
	u := Usage{UsedBytes: 1024, QuotaBytes: 2048}
	assert.Equal(t, "1.0 kB / 2.0 kB", u.String())
}
