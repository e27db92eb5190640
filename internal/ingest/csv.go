package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var requiredColumns = []string{"region", "az", "hostname", "measure_name", "measure_value", "timestamp"}

// ReadRows parses CSV with a header line naming at least the required
// columns, in any order, and sends one Row per line until EOF.
func ReadRows(ctx context.Context, r io.Reader, out chan<- Row) error {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	idx, err := columnIndex(header)
	if err != nil {
		return err
	}

	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv line: %w", err)
		}
		row := Row{
			Region:       fields[idx["region"]],
			AZ:           fields[idx["az"]],
			Hostname:     fields[idx["hostname"]],
			MeasureName:  fields[idx["measure_name"]],
			MeasureValue: fields[idx["measure_value"]],
			Timestamp:    fields[idx["timestamp"]],
		}
		select {
		case out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := idx[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("csv header missing columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}
