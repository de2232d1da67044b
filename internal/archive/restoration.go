package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/models"
	"github.com/rpatel-algo/fno_intraday/internal/portfolio"
)

// RestorationFile carries held positions across the day boundary so a next
// session can resume them.
type RestorationFile struct {
	SavedAt            time.Time                   `json:"saved_at"`
	TargetDate         string                      `json:"target_date"`
	TotalPositions     int                         `json:"total_positions"`
	TotalValue         float64                     `json:"total_value"`
	TotalUnrealizedPnL float64                     `json:"total_unrealized_pnl"`
	Positions          map[string]PositionSnapshot `json:"positions"`
}

// RestorationStore reads and writes the saved_trades/ position files.
type RestorationStore struct {
	dir    string
	logger *logrus.Logger
}

// NewRestorationStore builds a store rooted at dir.
func NewRestorationStore(dir string, logger *logrus.Logger) *RestorationStore {
	return &RestorationStore{dir: dir, logger: logger}
}

func (s *RestorationStore) path(targetDate time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("fno_positions_%s.json", targetDate.Format("2006-01-02")))
}

// Save writes the held positions for pickup on targetDate (the next trading
// day). A day with no open positions writes no file.
func (s *RestorationStore) Save(snap portfolio.Snapshot, prices map[string]float64,
	targetDate, now time.Time) error {
	if len(snap.Positions) == 0 {
		return nil
	}
	file := RestorationFile{
		SavedAt:    now,
		TargetDate: targetDate.Format("2006-01-02"),
		Positions:  make(map[string]PositionSnapshot, len(snap.Positions)),
	}
	for sym, pos := range snap.Positions {
		price := pos.EntryPrice
		if p, ok := prices[sym]; ok && p > 0 {
			price = p
		}
		ps := PositionSnapshot{
			Position:      pos,
			CurrentPrice:  price,
			UnrealizedPnL: pos.UnrealizedPnL(price),
		}
		file.Positions[sym] = ps
		file.TotalValue += price * float64(pos.Shares)
		file.TotalUnrealizedPnL += ps.UnrealizedPnL
	}
	file.TotalPositions = len(file.Positions)

	path := s.path(targetDate)
	if err := writeJSONAtomic(path, &file); err != nil {
		return fmt.Errorf("%w: restoration: %v", ErrWriteFailed, err)
	}
	s.logger.WithFields(logrus.Fields{
		"path":      path,
		"positions": file.TotalPositions,
	}).Info("restoration file written")
	return nil
}

// Load reads the restoration file targeted at date. A missing file returns
// (nil, nil): there is simply nothing to restore.
func (s *RestorationStore) Load(targetDate time.Time) (*RestorationFile, error) {
	data, err := os.ReadFile(s.path(targetDate)) // #nosec G304 -- path derived from config dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading restoration file: %w", err)
	}
	var file RestorationFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing restoration file: %w", err)
	}
	return &file, nil
}

// Positions converts the restoration entries back to ledger positions.
func (f *RestorationFile) PositionList() []models.Position {
	out := make([]models.Position, 0, len(f.Positions))
	for _, ps := range f.Positions {
		out = append(out, ps.Position)
	}
	return out
}
