package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/storage"
)

var fields = []string{"timestamp", "sequence_index", "data_hash", "previous_hash"}

// corrupt changes one field of a stored record in place, leaving the
// storage key (the original proof hash) as it was.
func corrupt(raw []byte, field string) ([]byte, error) {
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	switch field {
	case "timestamp", "sequence_index":
		n, ok := record[field].(float64)
		if !ok {
			return nil, fmt.Errorf("record has no numeric %s", field)
		}
		record[field] = n + 1
	case "data_hash", "previous_hash":
		s, ok := record[field].(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("record has no %s", field)
		}
		flipped := byte('a')
		if s[0] == 'a' {
			flipped = 'b'
		}
		record[field] = string(flipped) + s[1:]
	default:
		return nil, fmt.Errorf("unknown field %q (valid: %v)", field, fields)
	}

	return json.Marshal(record)
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 4 {
		fmt.Fprintf(os.Stderr, "Usage: %s <boltdb-path> [proof-hash] [field]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts one field of a stored proof (default: the tip's timestamp)\n")
		fmt.Fprintf(os.Stderr, "Fields: %v\n", fields)
		os.Exit(1)
	}

	dbPath := os.Args[1]
	field := "timestamp"
	if len(os.Args) == 4 {
		field = os.Args[3]
	}

	fmt.Printf("Opening BoltDB: %s\n", dbPath)

	store, err := storage.NewBoltStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open BoltDB: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var target hash.Digest
	if len(os.Args) >= 3 {
		target, err = hash.ParseDigest(os.Args[2])
	} else {
		var ok bool
		target, ok, err = store.Tip(context.Background())
		if err == nil && !ok {
			err = fmt.Errorf("store holds no proofs")
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Target proof: %s\n", target)
	fmt.Printf("Corrupting field: %s\n", field)

	err = store.UpdateRawProof(target, func(raw []byte) ([]byte, error) {
		return corrupt(raw, field)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Successfully corrupted proof record")
	fmt.Println("Run `proofchain verify " + target.String() + "` to see it rejected")
}
