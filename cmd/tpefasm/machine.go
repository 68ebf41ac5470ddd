package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/gmofishsauce/tpef/asm"
)

// loadMachine reads a target machine description from path. spec.md
// leaves the machine description's own file format unspecified (it names
// only the in-memory shape a resource manager resolves against); JSON is
// the simplest encoding that needs no new parser, since asm.Machine's
// fields are already exported with no encoding tags required.
func loadMachine(path string) (*asm.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading machine description %s", path)
	}
	var m asm.Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing machine description %s", path)
	}
	return &m, nil
}
