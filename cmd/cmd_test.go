package cmd_test

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/meridiandb/meridian/cmd"
)

// validator accumulates a series of equality checks and remembers the first
// one that failed.
type validator struct {
	err error
}

func (v *validator) Check(actual, expected interface{}) {
	if v.err != nil {
		return
	}
	if !reflect.DeepEqual(actual, expected) {
		v.err = fmt.Errorf("Actual: '%v' is not equal to '%v'", actual, expected)
	}
}

func (v *validator) Error() error { return v.err }

// commandTest describes a subcommand invocation: the arguments and
// environment to run it with, the content of its config file, and a
// validation func which runs once the command is up.
type commandTest struct {
	args           []string
	env            map[string]string
	cfgFileContent string
	validation     func() error
}

func (ct *commandTest) setupCommand(t *testing.T) *cobra.Command {
	// create config file
	cfgFile, err := os.CreateTemp("", "")
	failErr(t, err, "making temp file")
	_, err = cfgFile.WriteString(ct.cfgFileContent)
	failErr(t, err, "writing config to temp file")

	// set environment
	for name, val := range ct.env {
		err = os.Setenv(name, val)
		failErr(t, err, fmt.Sprintf("setting environment variable '%s' to '%s'", name, val))
	}

	// make command and set args
	rc := cmd.NewRootCommand(strings.NewReader(""), io.Discard, io.Discard)
	rc.SetArgs(append(ct.args, "--config", cfgFile.Name()))

	err = cfgFile.Close()
	failErr(t, err, "closing config file")

	return rc
}

func (ct *commandTest) reset() {
	for name := range ct.env {
		os.Unsetenv(name)
	}
}
