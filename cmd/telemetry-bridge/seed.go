package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/telemetry-bridge/internal/telemetry"
)

// Column names accepted in seed files, current name first.
var seedColumns = map[string][]string{
	"soil_moisture": {"soil_moisture", "umidade_solo"},
	"temperature":   {"temperature", "temperatura"},
	"nitrogen":      {"nitrogen", "nutrientes_n"},
	"irrigate":      {"irrigate", "acao_irrigacao"},
}

var errMissingColumn = errors.New("seed: missing column")

func (a *app) seedCmd() *cobra.Command {
	var (
		file    string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "seed --file samples.csv",
		Short: "Load labelled samples into the reference dataset",
		Long: `Load labelled samples into the reference dataset.

The CSV needs a header row with soil_moisture, temperature, nitrogen and
irrigate columns. The legacy names umidade_solo, temperatura, nutrientes_N
and acao_irrigacao are accepted. The dataset is write-once: seeding a
non-empty dataset fails unless --replace is given.`,
		GroupID: "maintenance",
		Args:    cobra.NoArgs,
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening seed file: %w", err)
			}
			defer f.Close() //nolint:errcheck // read-only

			samples, err := readSamples(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			n, err := a.controller().Seed(cmd.Context(), samples, replace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d samples\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file of labelled samples")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing reference dataset")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readSamples parses a CSV of labelled samples. Header names are matched
// case-insensitively; extra columns are ignored.
func readSamples(r io.Reader) ([]telemetry.Sample, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("seed: empty file")
		}
		return nil, err
	}
	index, err := columnIndex(header)
	if err != nil {
		return nil, err
	}
	cr.FieldsPerRecord = len(header)

	var samples []telemetry.Sample
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var s telemetry.Sample
		if s.SoilMoisture, err = parseFloat(row, index, "soil_moisture"); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.Temperature, err = parseFloat(row, index, "temperature"); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.Nitrogen, err = parseFloat(row, index, "nitrogen"); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.Irrigate, err = parseLabel(row[index["irrigate"]]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func columnIndex(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[strings.ToLower(strings.TrimSpace(name))] = i
	}

	index := make(map[string]int, len(seedColumns))
	var missing []string
	for column, names := range seedColumns {
		found := false
		for _, name := range names {
			if i, ok := positions[name]; ok {
				index[column] = i
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, column)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: %s", errMissingColumn, strings.Join(missing, ", "))
	}
	return index, nil
}

func parseFloat(row []string, index map[string]int, column string) (float64, error) {
	raw := strings.TrimSpace(row[index[column]])
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", column, raw)
	}
	return v, nil
}

// parseLabel accepts 0/1 and true/false.
func parseLabel(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("irrigate %q is not 0 or 1", raw)
}
