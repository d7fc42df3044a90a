package acquire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/storage"
)

// CommandSampler samples a device by running an external reader program
// that prints one JSON object on stdout. The placeholders {id}, {address}
// and {name} in Argv are replaced with the device's attributes.
type CommandSampler struct {
	Argv []string
}

// NewCommandSampler splits a command line on whitespace.
func NewCommandSampler(command string) (CommandSampler, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return CommandSampler{}, errors.New("sampler command is empty")
	}
	return CommandSampler{Argv: argv}, nil
}

func (c CommandSampler) Sample(ctx context.Context, dev storage.Device) (reading.Payload, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("sampler command is empty")
	}
	addr := ""
	if dev.BusAddress != nil {
		addr = strconv.Itoa(*dev.BusAddress)
	}
	r := strings.NewReplacer("{id}", dev.ExternalID, "{address}", addr, "{name}", dev.Name)
	args := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		args[i] = r.Replace(a)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decoding output of %s: %w", args[0], err)
	}
	return reading.PayloadFromMap(fields)
}
