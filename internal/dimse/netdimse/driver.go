// Package netdimse is the built-in DIMSE driver. It speaks the DICOM upper
// layer protocol over TCP and encodes datasets in implicit or explicit VR
// little endian.
//
// Importing the package registers the driver under the name "default".
package netdimse

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
)

const DriverName = "default"

func init() {
	dimse.MustRegister(DriverName, New())
}

// Toolkit implements dimse.Toolkit.
type Toolkit struct {
	ConnectTimeout   time.Duration
	AssociateTimeout time.Duration
	ReleaseTimeout   time.Duration
	// IdleTimeout closes inbound associations that stay silent this long.
	IdleTimeout      time.Duration

	mu  sync.RWMutex
	log *logrus.Logger
}

// New returns a toolkit with the default timeouts.
func New() *Toolkit {
	return &Toolkit{
		ConnectTimeout:   10 * time.Second,
		AssociateTimeout: 30 * time.Second,
		ReleaseTimeout:   10 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

// SetLogger replaces the logger used for protocol warnings.
func (t *Toolkit) SetLogger(logger *logrus.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = logger
}

func (t *Toolkit) logger() *logrus.Logger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.log == nil {
		return logrus.StandardLogger()
	}
	return t.log
}

var _ dimse.Toolkit = (*Toolkit)(nil)
