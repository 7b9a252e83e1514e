package database

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"

	"noos/audio"
)

// CatalogEntry is one row of a catalog seed file. Rows sharing a pack_id
// belong to the same pack; the last non-empty name and author win.
type CatalogEntry struct {
	PackID          string  `csv:"pack_id"`
	PackName        string  `csv:"pack_name"`
	Author          string  `csv:"author"`
	URL             string  `csv:"url"`
	Title           string  `csv:"title"`
	DurationSeconds float64 `csv:"duration_seconds"`
	Order           int     `csv:"order"`
}

// ImportCSV reads catalog entries from r and stores them. It returns the
// number of tracks imported; rows without a pack or url are skipped.
func (d *Database) ImportCSV(r io.Reader) (int, error) {
	entries := make([]CatalogEntry, 0)
	if err := gocsv.Unmarshal(r, &entries); err != nil {
		return 0, fmt.Errorf("failed to parse catalog csv: %w", err)
	}

	packs := make(map[string]Pack)
	var order []string
	for _, entry := range entries {
		id := strings.TrimSpace(entry.PackID)
		if id == "" {
			continue
		}
		pack, seen := packs[id]
		if !seen {
			pack = Pack{ID: id, Name: id}
			order = append(order, id)
		}
		if name := strings.TrimSpace(entry.PackName); name != "" {
			pack.Name = name
		}
		if author := strings.TrimSpace(entry.Author); author != "" {
			pack.Author = author
		}
		packs[id] = pack
	}
	for _, id := range order {
		if err := d.UpsertPack(packs[id]); err != nil {
			return 0, err
		}
	}

	count := 0
	for i, entry := range entries {
		id := strings.TrimSpace(entry.PackID)
		url := strings.TrimSpace(entry.URL)
		if id == "" || url == "" {
			log.Warnf("catalog entry %d has no pack or url, skipping", i+1)
			continue
		}
		err := d.AddTrack(id, audio.Track{
			URL:             url,
			Title:           strings.TrimSpace(entry.Title),
			DurationSeconds: entry.DurationSeconds,
			Order:           entry.Order,
		})
		if err != nil {
			return count, err
		}
		count++
	}
	log.Infof("imported %d tracks in %d packs", count, len(order))
	return count, nil
}

// ImportCSVFile is ImportCSV for a file on disk.
func (d *Database) ImportCSVFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open catalog csv: %w", err)
	}
	defer func(c io.Closer) {
		_ = c.Close()
	}(f)
	return d.ImportCSV(f)
}
