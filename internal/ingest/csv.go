// Package ingest reads transaction files into domain transactions.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Format identifies the column layout of a file.
type Format string

const (
	FormatPaySim  Format = "paysim"
	FormatGeneric Format = "generic"
)

// PaySimEpoch is the wall-clock origin of PaySim step 0. One step is one hour.
var PaySimEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrUnknownFormat is returned when the header matches no supported layout.
var ErrUnknownFormat = errors.New("unrecognized transaction columns")

// Options controls a read.
type Options struct {
	// Limit stops after this many accepted rows (0 = no limit).
	Limit int
	// ChunkSize is the number of transactions handed to the callback at once.
	ChunkSize int
}

// Stats summarizes a read.
type Stats struct {
	Format   Format
	Rows     int
	Accepted int
	Skipped  int
}

// column aliases by lower-cased header name, first match wins
var (
	senderCols    = []string{"sender", "nameorig", "from", "source", "sender_id", "from_account"}
	receiverCols  = []string{"receiver", "namedest", "to", "target", "receiver_id", "to_account"}
	amountCols    = []string{"amount", "value", "amt"}
	timeCols      = []string{"timestamp", "time", "date", "datetime", "created_at"}
	idCols        = []string{"id", "tx_id", "transaction_id", "txid"}
	typeCols      = []string{"type", "tx_type", "transaction_type"}
	fraudCols     = []string{"isfraud", "is_fraud", "fraud", "label"}
	flaggedCols   = []string{"isflaggedfraud", "is_flagged_fraud"}
	oldOrigCols   = []string{"oldbalanceorg", "oldbalanceorig", "old_balance_orig"}
	newOrigCols   = []string{"newbalanceorig", "new_balance_orig"}
	oldDestCols   = []string{"oldbalancedest", "old_balance_dest"}
	newDestCols   = []string{"newbalancedest", "new_balance_dest"}
	timeLayouts   = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}
	paySimColumns = []string{"step", "type", "amount", "nameorig", "namedest"}
)

type layout struct {
	format Format
	width  int

	sender, receiver, amount int
	ts, id, typ, step        int
	fraud, flagged           int
	oldOrig, newOrig         int
	oldDest, newDest         int
}

// detect maps a header row to a column layout.
func detect(header []string) (*layout, error) {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	find := func(names []string) int {
		for _, n := range names {
			if i, ok := idx[n]; ok {
				return i
			}
		}
		return -1
	}

	l := &layout{
		sender:   find(senderCols),
		receiver: find(receiverCols),
		amount:   find(amountCols),
		ts:       find(timeCols),
		id:       find(idCols),
		typ:      find(typeCols),
		step:     find([]string{"step"}),
		fraud:    find(fraudCols),
		flagged:  find(flaggedCols),
		oldOrig:  find(oldOrigCols),
		newOrig:  find(newOrigCols),
		oldDest:  find(oldDestCols),
		newDest:  find(newDestCols),
		width:    len(header),
	}

	if l.sender < 0 || l.receiver < 0 || l.amount < 0 {
		return nil, fmt.Errorf("%w: need sender, receiver and amount in %v", ErrUnknownFormat, header)
	}

	l.format = FormatGeneric
	paysim := true
	for _, c := range paySimColumns {
		if _, ok := idx[c]; !ok {
			paysim = false
			break
		}
	}
	if paysim {
		l.format = FormatPaySim
	}
	return l, nil
}

// Stream reads r and hands accepted transactions to fn in chunks.
// Malformed rows are skipped and counted.
func Stream(ctx context.Context, r io.Reader, opts Options, fn func([]domain.Transaction) error) (Stats, error) {
	var stats Stats
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 2000
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return stats, fmt.Errorf("failed to read header: %w", err)
	}
	l, err := detect(header)
	if err != nil {
		return stats, err
	}
	stats.Format = l.format

	chunk := make([]domain.Transaction, 0, chunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := fn(chunk); err != nil {
			return err
		}
		chunk = make([]domain.Transaction, 0, chunkSize)
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return stats, fmt.Errorf("failed to read row %d: %w", stats.Rows+1, err)
		}
		stats.Rows++
		if err != nil {
			stats.Skipped++
			continue
		}

		tx, ok := l.parse(record, stats.Rows)
		if !ok {
			stats.Skipped++
			continue
		}

		chunk = append(chunk, tx)
		stats.Accepted++

		if len(chunk) >= chunkSize {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := flush(); err != nil {
				return stats, err
			}
		}
		if opts.Limit > 0 && stats.Accepted >= opts.Limit {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, flush()
}

// ReadAll reads every accepted transaction into memory.
func ReadAll(ctx context.Context, r io.Reader, opts Options) ([]domain.Transaction, Stats, error) {
	var out []domain.Transaction
	stats, err := Stream(ctx, r, opts, func(chunk []domain.Transaction) error {
		out = append(out, chunk...)
		return nil
	})
	return out, stats, err
}

func (l *layout) parse(rec []string, row int) (domain.Transaction, bool) {
	var tx domain.Transaction
	if len(rec) < l.width {
		return tx, false
	}

	tx.Sender = strings.TrimSpace(rec[l.sender])
	tx.Receiver = strings.TrimSpace(rec[l.receiver])
	if tx.Sender == "" || tx.Receiver == "" {
		return tx, false
	}

	amount, err := strconv.ParseFloat(strings.TrimSpace(rec[l.amount]), 64)
	if err != nil || amount < 0 {
		return tx, false
	}
	tx.Amount = amount

	switch {
	case l.format == FormatPaySim:
		step, err := strconv.Atoi(strings.TrimSpace(rec[l.step]))
		if err != nil || step < 0 {
			return tx, false
		}
		tx.Timestamp = PaySimEpoch.Add(time.Duration(step) * time.Hour)
	case l.ts >= 0:
		ts, ok := parseTime(rec[l.ts])
		if !ok {
			return tx, false
		}
		tx.Timestamp = ts
	case l.step >= 0:
		step, err := strconv.Atoi(strings.TrimSpace(rec[l.step]))
		if err != nil || step < 0 {
			return tx, false
		}
		tx.Timestamp = PaySimEpoch.Add(time.Duration(step) * time.Hour)
	default:
		// no time column: row order, one minute apart
		tx.Timestamp = PaySimEpoch.Add(time.Duration(row) * time.Minute)
	}

	if l.id >= 0 {
		tx.ID = strings.TrimSpace(rec[l.id])
	}
	if tx.ID == "" {
		tx.ID = "row-" + strconv.Itoa(row)
	}
	if l.typ >= 0 {
		tx.TxType = strings.TrimSpace(rec[l.typ])
	}

	tx.IsFraud = optBool(rec, l.fraud)
	tx.IsFlaggedFraud = optBool(rec, l.flagged)
	tx.OldBalanceOrig = optFloat(rec, l.oldOrig)
	tx.NewBalanceOrig = optFloat(rec, l.newOrig)
	tx.OldBalanceDest = optFloat(rec, l.oldDest)
	tx.NewBalanceDest = optFloat(rec, l.newDest)

	return tx, true
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func optBool(rec []string, i int) *bool {
	if i < 0 {
		return nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(rec[i]))
	if err != nil {
		return nil
	}
	return &v
}

func optFloat(rec []string, i int) *float64 {
	if i < 0 {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
	if err != nil {
		return nil
	}
	return &v
}
