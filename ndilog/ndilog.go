// Package ndilog provides the module's centralized logging: a global logrus
// logger configured to split error-level records to stderr and everything
// else to stdout, so containerized deployments can treat the two streams
// differently.
package ndilog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// ErrorMarker is the byte pattern used to detect an error-level record in
// its formatted form. Exposed so callers using a custom formatter can
// override it.
var ErrorMarker = []byte("level=error")

// OutputSplitter routes formatted log records to stderr or stdout depending
// on whether they carry ErrorMarker.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, ErrorMarker) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the package-level logger every other package in this module
// logs through.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
