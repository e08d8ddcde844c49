package supervisor

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// TakeOverPort finds any process still listening on the well-known port
// and terminates it. The backend owns its port: a previous instance that
// failed to shut down cleanly must not block a restart.
func TakeOverPort(port int, logger zerolog.Logger) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		logger.Warn().Err(err).Msg("could not enumerate tcp connections for port takeover")
		return
	}

	self := int32(os.Getpid())
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Laddr.Port != uint32(port) {
			continue
		}
		if conn.Pid == 0 || conn.Pid == self {
			continue
		}

		proc, err := process.NewProcess(conn.Pid)
		if err != nil {
			continue
		}
		name, _ := proc.Name()
		logger.Warn().Int32("pid", conn.Pid).Str("name", name).Int("port", port).
			Msg("terminating previous instance holding the port")

		if err := proc.Terminate(); err != nil {
			logger.Warn().Int32("pid", conn.Pid).Err(err).Msg("terminate failed, killing")
			_ = proc.Kill()
			continue
		}

		// Give it a moment to exit, then force.
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if running, _ := proc.IsRunning(); !running {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if running, _ := proc.IsRunning(); running {
			_ = proc.Kill()
		}
	}
}
