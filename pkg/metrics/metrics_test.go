package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{}

func (fakeStats) NumPorts() int                            { return 2 }
func (fakeStats) BusLoad(port uint8) float32               { return float32(port) * 12.5 }
func (fakeStats) FrameCounts(port uint8) (uint64, uint64)  { return uint64(port) + 10, uint64(port) + 20 }
func (fakeStats) ActiveSessions(port uint8) int            { return int(port) }

func TestCollectorExposesPerPortSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(fakeStats{}, reg)

	count := testutil.CollectAndCount(NewCollector(fakeStats{}))
	assert.Equal(t, 8, count, "four series per port")

	expected := `
# HELP agrobus_bus_load_percent Rolling-window CAN bus load estimate per port
# TYPE agrobus_bus_load_percent gauge
agrobus_bus_load_percent{port="0"} 0
agrobus_bus_load_percent{port="1"} 12.5
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "agrobus_bus_load_percent")
	require.NoError(t, err)
}
