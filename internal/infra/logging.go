// README: Process-wide log setup.
package infra

import (
	"log"
	"os"
)

// InitLogging prefixes every line with the service name and UTC microsecond timestamps.
func InitLogging(service string) {
	log.SetOutput(os.Stdout)
	log.SetPrefix(service + " ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.LUTC)
}
