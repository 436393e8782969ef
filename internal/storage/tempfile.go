package storage

import (
	"fmt"
	"os"
)

// writeTempJSONLine writes a single JSON-encoded record to a fresh temp
// file, used by DocumentDatabase.Insert to hand a one-line document batch
// to the templated mongoimport-equivalent command.
func writeTempJSONLine(payload []byte) (string, error) {
	var f, err = os.CreateTemp("", "collector-insert-*.json")
	if err != nil {
		return "", fmt.Errorf("storage: creating temp insert file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(payload); err != nil {
		return "", fmt.Errorf("storage: writing temp insert file: %w", err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		return "", fmt.Errorf("storage: writing temp insert file: %w", err)
	}
	return f.Name(), nil
}
