// =============================================================================
// PRODUCE COMMAND - PUBLISH RECORDS
// =============================================================================
//
// USAGE:
//   busctl produce <topic> [flags]
//
// FLAGS:
//   -m, --message       Record value
//   -k, --key           Record key (picks the partition)
//   -H, --header        Header as key=value (repeatable)
//   --tombstone         Publish a delete marker for --key
//   -f, --file          JSON Lines file: {"key": "...", "value": "...", "headers": {...}}
//   --instance-id       Publish in one transaction under this id
//
// EXAMPLES:
//   busctl produce orders -k user-123 -m '{"id": 1}'
//   busctl produce order-state -k user-123 --tombstone
//   busctl produce orders -f orders.jsonl --instance-id loader-1
//
// =============================================================================

package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"messagebus/internal/publisher"
	"messagebus/pkg/messaging"
)

var (
	produceMessage    string
	produceKey        string
	produceHeaders    map[string]string
	produceTombstone  bool
	produceFile       string
	produceInstanceID string
)

var produceCmd = &cobra.Command{
	Use:   "produce <topic>",
	Short: "Publish records to a topic",
	Long: `Publish records to a topic. The partition is chosen from the key, so
records with the same key stay in order.

Records can be provided via:
  - --message (single record)
  - --tombstone (single delete marker, needs --key)
  - --file (JSON Lines, plain lines become values)`,
	Args: cobra.ExactArgs(1),
	RunE: runProduce,
}

func init() {
	produceCmd.Flags().StringVarP(&produceMessage, "message", "m", "",
		"Record value")
	produceCmd.Flags().StringVarP(&produceKey, "key", "k", "",
		"Record key (determines partition)")
	produceCmd.Flags().StringToStringVarP(&produceHeaders, "header", "H", nil,
		"Header as key=value")
	produceCmd.Flags().BoolVar(&produceTombstone, "tombstone", false,
		"Publish a delete marker for --key")
	produceCmd.Flags().StringVarP(&produceFile, "file", "f", "",
		"File containing records (JSON Lines format)")
	produceCmd.Flags().StringVar(&produceInstanceID, "instance-id", "",
		"Publish transactionally under this instance id")
}

func runProduce(cmd *cobra.Command, args []string) error {
	topic := args[0]

	records, err := buildRecords(topic)
	if err != nil {
		return handleError(err)
	}

	ctx, cancel := getContext(cmd)
	defer cancel()

	b, err := openBackend(ctx)
	if err != nil {
		return handleError(err)
	}
	defer b.Close()

	instanceID := produceInstanceID
	if instanceID == "" {
		instanceID = busConfig.Publisher.InstanceID
	}
	pub, err := publisher.New(ctx, b, publisher.Config{
		InstanceID: instanceID,
		Workers:    busConfig.Publisher.Workers,
		Logger:     logger,
	})
	if err != nil {
		return handleError(err)
	}
	defer pub.Close()

	md, err := pub.PublishSync(ctx, records)
	if err != nil {
		return handleError(err)
	}
	return formatter.FormatPublishResults(md)
}

// buildRecords turns flags or the input file into records.
func buildRecords(topic string) ([]messaging.Record, error) {
	switch {
	case produceFile != "":
		return readRecordsFromFile(topic, produceFile)
	case produceTombstone:
		if produceKey == "" {
			return nil, errors.New("--tombstone needs --key")
		}
		return []messaging.Record{{Topic: topic, Key: []byte(produceKey)}}, nil
	case produceMessage != "":
		r := messaging.Record{Topic: topic, Value: []byte(produceMessage), Headers: produceHeaders}
		if produceKey != "" {
			r.Key = []byte(produceKey)
		}
		return []messaging.Record{r}, nil
	default:
		return nil, errors.New("one of --message, --tombstone or --file is required")
	}
}

// fileRecord is one JSON Lines entry. A null value is a tombstone.
type fileRecord struct {
	Key     string            `json:"key"`
	Value   *string           `json:"value"`
	Headers map[string]string `json:"headers"`
}

// readRecordsFromFile reads records from a JSON Lines file. Lines that are
// not JSON objects become plain values; blank lines and # comments are
// skipped.
func readRecordsFromFile(topic, path string) ([]messaging.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []messaging.Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var fr fileRecord
		if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &fr) != nil {
			records = append(records, messaging.Record{Topic: topic, Value: []byte(line)})
			continue
		}
		r := messaging.Record{Topic: topic, Headers: fr.Headers}
		if fr.Key != "" {
			r.Key = []byte(fr.Key)
		}
		if fr.Value != nil {
			r.Value = []byte(*fr.Value)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: no records", path)
	}
	return records, nil
}
