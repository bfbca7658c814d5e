package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/op/go-logging.v1"
)

func TestInitLoggingSetsLevel(t *testing.T) {
	InitLogging(Verbosity(logging.NOTICE))
	assert.Equal(t, logging.NOTICE, logLevel)
}
