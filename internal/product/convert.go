package product

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"

	"github.com/regn-data/nowcast.report/internal/nowcast"
)

// CommandDecoder shells out to an external converter for each product.
// The command is invoked with the product path appended to Args and
// must write the flat 8-bit composite to stdout. This is how HDF5
// products reach the pipeline without a native HDF5 reader.
type CommandDecoder struct {
	Command string
	Args    []string
	Spec    RawSpec
}

func (d CommandDecoder) Decode(path string, ts time.Time) (*nowcast.FieldGrid, error) {
	args := make([]string, 0, len(d.Args)+1)
	args = append(args, d.Args...)
	args = append(args, path)
	cmd := exec.Command(d.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("converting %s: %w: %s", path, err, msg)
		}
		return nil, fmt.Errorf("converting %s: %w", path, err)
	}
	return DecodeRaw(&stdout, d.Spec, ts)
}
