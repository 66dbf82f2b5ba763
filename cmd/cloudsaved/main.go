// cloudsaved serves the cloud save endpoints USB Helper expects,
// dispatching them to a configurable storage backend.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := Root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
