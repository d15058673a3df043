// Package logging configures the structured logger shared by the transport
// engine. It replaces the teacher's hand-rolled ANSI logger with
// github.com/sirupsen/logrus, keeping the teacher's "Section"/"Banner"
// cosmetic helpers for the example programs in cmd/.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the minimum level emitted by every component logger.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a component-scoped logger, e.g. logging.For("endpoint").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Section prints a plain section header for example-program output. It has
// no bearing on protocol correctness.
func Section(title string) {
	border := "────────────────────────────────────────"
	fmt.Printf("\n%s\n %s\n%s\n\n", border, title, border)
}

// Banner prints the application banner for example-program output.
func Banner(title, version string) {
	fmt.Printf("\n=== %s (v%s) ===\n\n", title, version)
}
