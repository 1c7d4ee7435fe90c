package fleet

import (
	"net"

	"github.com/banshee-data/ilidar-tool/internal/wire"
)

// DiscoveredSensor is one matched sensor from a discovery run,
// per spec.md §3.
type DiscoveredSensor struct {
	IndexInTargets int
	SensorSN       uint16
	SensorIP       net.IP
	ViaEndpoint    net.IP
	Info           wire.InfoRecord
}
