package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// banFile is the on-disk layout for the F&O ban list. Operators refresh it
// from the exchange's MWPL publication; the checker reloads it hourly.
type banFile struct {
	Banned []string `json:"banned"`
}

// FileBanFetcher returns a BanFetcher that reads the ban list from a JSON
// file. A missing file means no bans.
func FileBanFetcher(path string) BanFetcher {
	return func(_ context.Context) ([]string, error) {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-provided ban list path
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading ban list: %w", err)
		}
		var bf banFile
		if err := json.Unmarshal(data, &bf); err != nil {
			return nil, fmt.Errorf("parsing ban list: %w", err)
		}
		return bf.Banned, nil
	}
}
