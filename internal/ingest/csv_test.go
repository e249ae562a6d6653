package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const paySimCSV = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
1,CASH_OUT,181.0,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0
2,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
`

func TestReadPaySim(t *testing.T) {
	txs, stats, err := ReadAll(context.Background(), strings.NewReader(paySimCSV), Options{})
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}

	if stats.Format != FormatPaySim {
		t.Errorf("expected paysim format, got %s", stats.Format)
	}
	if stats.Accepted != 3 || stats.Skipped != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	tx := txs[0]
	if tx.Sender != "C1305486145" || tx.Receiver != "C553264065" {
		t.Errorf("unexpected parties: %s -> %s", tx.Sender, tx.Receiver)
	}
	if tx.TxType != "TRANSFER" || tx.Amount != 181 {
		t.Errorf("unexpected type/amount: %s %v", tx.TxType, tx.Amount)
	}
	if !tx.Fraudulent() {
		t.Error("expected fraud label")
	}
	if tx.IsFlaggedFraud == nil || *tx.IsFlaggedFraud {
		t.Error("expected flagged=false label")
	}
	if tx.OldBalanceOrig == nil || *tx.OldBalanceOrig != 181 {
		t.Error("expected old origin balance 181")
	}
	if !tx.Timestamp.Equal(PaySimEpoch.Add(time.Hour)) {
		t.Errorf("expected step 1 one hour after epoch, got %s", tx.Timestamp)
	}
	if !txs[2].Timestamp.Equal(PaySimEpoch.Add(2 * time.Hour)) {
		t.Errorf("expected step 2 two hours after epoch, got %s", txs[2].Timestamp)
	}
	if tx.ID != "row-1" {
		t.Errorf("expected synthesized id row-1, got %s", tx.ID)
	}
}

func TestReadGeneric(t *testing.T) {
	data := `ID,From,To,Amount,Timestamp
t1,A,B,100,2024-03-01T10:00:00Z
t2,B,C,99.5,2024-03-01 11:00:00
t3,C,A,98,1709290800
`
	txs, stats, err := ReadAll(context.Background(), strings.NewReader(data), Options{})
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if stats.Format != FormatGeneric {
		t.Errorf("expected generic format, got %s", stats.Format)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(txs))
	}
	if txs[0].ID != "t1" || txs[0].Sender != "A" || txs[0].Receiver != "B" {
		t.Errorf("unexpected first row: %+v", txs[0])
	}
	want := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	if !txs[1].Timestamp.Equal(want) {
		t.Errorf("expected %s, got %s", want, txs[1].Timestamp)
	}
	if txs[2].Timestamp.Unix() != 1709290800 {
		t.Errorf("expected unix timestamp, got %s", txs[2].Timestamp)
	}
	if txs[0].HasLabel() {
		t.Error("generic rows without a label column should be unlabeled")
	}
}

func TestMalformedRowsSkipped(t *testing.T) {
	data := `sender,receiver,amount,timestamp
A,B,100,2024-01-01
,B,100,2024-01-01
A,,100,2024-01-01
A,B,abc,2024-01-01
A,B,-5,2024-01-01
A,B,100,not-a-date
A,B
C,D,50,2024-01-02
`
	txs, stats, err := ReadAll(context.Background(), strings.NewReader(data), Options{})
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(txs) != 2 {
		t.Errorf("expected 2 accepted rows, got %d", len(txs))
	}
	if stats.Skipped != 6 {
		t.Errorf("expected 6 skipped rows, got %d", stats.Skipped)
	}
	if stats.Rows != 8 {
		t.Errorf("expected 8 rows seen, got %d", stats.Rows)
	}
}

func TestStreamChunksAndLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("sender,receiver,amount\n")
	for i := 0; i < 25; i++ {
		b.WriteString("A,B,1\n")
	}

	var sizes []int
	stats, err := Stream(context.Background(), strings.NewReader(b.String()), Options{ChunkSize: 10, Limit: 23}, func(chunk []domain.Transaction) error {
		sizes = append(sizes, len(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if stats.Accepted != 23 {
		t.Errorf("expected limit of 23, got %d", stats.Accepted)
	}
	if len(sizes) != 3 || sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 3 {
		t.Errorf("unexpected chunk sizes: %v", sizes)
	}
}

func TestStreamCallbackError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Stream(context.Background(), strings.NewReader("sender,receiver,amount\nA,B,1\n"), Options{}, func([]domain.Transaction) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestReadErrorStops(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("sender,receiver,amount\nA,B,1\n"), iotest.ErrReader(boom))

	_, stats, err := ReadAll(context.Background(), r, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if stats.Accepted != 1 || stats.Skipped != 0 {
		t.Errorf("unexpected stats after read error: %+v", stats)
	}
}

func TestUnknownHeader(t *testing.T) {
	_, _, err := ReadAll(context.Background(), strings.NewReader("foo,bar\n1,2\n"), Options{})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestCancelledStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := ReadAll(ctx, strings.NewReader("sender,receiver,amount\nA,B,1\n"), Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
