package netrepeater

import (
	"github.com/sirupsen/logrus"
)

// Log is the logger used by the library. It can be replaced or configured
// (level, output, formatter) by the application importing the package.
var Log = logrus.StandardLogger()
