package analysis

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fingerprint identifies a dataset under a given configuration. Identical
// transactions analyzed with identical thresholds and rules share it.
func Fingerprint(txs []domain.Transaction, settings uint64) string {
	d := xxhash.New()
	buf := make([]byte, 0, 256)

	buf = strconv.AppendUint(buf, settings, 16)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, int64(len(txs)), 10)
	_, _ = d.Write(buf)

	for i := range txs {
		tx := &txs[i]
		buf = buf[:0]
		buf = append(buf, 0x1e)
		buf = append(buf, tx.ID...)
		buf = append(buf, 0x1f)
		buf = append(buf, tx.Sender...)
		buf = append(buf, 0x1f)
		buf = append(buf, tx.Receiver...)
		buf = append(buf, 0x1f)
		buf = strconv.AppendUint(buf, math.Float64bits(tx.Amount), 16)
		buf = append(buf, 0x1f)
		buf = strconv.AppendInt(buf, tx.Timestamp.UnixNano(), 10)
		buf = append(buf, 0x1f)
		buf = append(buf, tx.TxType...)
		buf = appendOptBool(buf, tx.IsFraud)
		buf = appendOptBool(buf, tx.IsFlaggedFraud)
		buf = appendOptFloat(buf, tx.OldBalanceOrig)
		buf = appendOptFloat(buf, tx.NewBalanceOrig)
		buf = appendOptFloat(buf, tx.OldBalanceDest)
		buf = appendOptFloat(buf, tx.NewBalanceDest)
		_, _ = d.Write(buf)
	}

	return strconv.FormatUint(d.Sum64(), 16)
}

// settingsHash digests the analysis thresholds and the loaded rule set.
func settingsHash(cfg domain.AnalysisConfig, rules []*domain.RuleConfig) uint64 {
	d := xxhash.New()
	raw, _ := json.Marshal(cfg)
	_, _ = d.Write(raw)
	for _, r := range rules {
		_, _ = d.WriteString(r.ID + "\x1f" + r.Version + "\x1f" + r.Expression + "\x1f")
		_, _ = d.WriteString(strconv.FormatFloat(r.Weight, 'g', -1, 64) + "\x1f" + r.Factor + "\x1e")
	}
	return d.Sum64()
}

func appendOptBool(buf []byte, v *bool) []byte {
	buf = append(buf, 0x1f)
	switch {
	case v == nil:
		return append(buf, '-')
	case *v:
		return append(buf, '1')
	default:
		return append(buf, '0')
	}
}

func appendOptFloat(buf []byte, v *float64) []byte {
	buf = append(buf, 0x1f)
	if v == nil {
		return append(buf, '-')
	}
	return strconv.AppendUint(buf, math.Float64bits(*v), 16)
}
