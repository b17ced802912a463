package detector

import (
	"fmt"

	"github.com/loykin/pidkeeper/internal/pidfile"
)

// PIDFileDetector detects a process via a pidfile. Prober is optional.
type PIDFileDetector struct {
	PIDFile string
	Prober  pidfile.Prober
}

func (d PIDFileDetector) Alive() (bool, error) {
	res, err := pidfile.New(d.PIDFile, pidfile.WithProber(d.Prober)).Validate()
	if err != nil {
		return false, err
	}
	return res.IsPresent(), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct {
	PID    int
	Prober pidfile.Prober
}

func (d PIDDetector) Alive() (bool, error) {
	pr := d.Prober
	if pr == nil {
		pr = pidfile.SignalProber{}
	}
	return pidfile.Alive(pr, d.PID)
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }
