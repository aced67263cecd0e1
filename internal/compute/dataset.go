package compute

import (
	"fmt"
	"time"

	"github.com/dyluth/swarm/pkg/wire"
)

// DataSet describes a slice of market data. The data itself is loaded by the
// training kernel.
type DataSet struct {
	Symbol     string    `json:"symbol"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	SignalType string    `json:"signal_type"`
}

// Empty reports whether the set covers no time.
func (d DataSet) Empty() bool {
	return !d.Start.Before(d.End)
}

func (d DataSet) String() string {
	return fmt.Sprintf("%s[%s..%s]/%s", d.Symbol, d.Start.Format("2006-01-02"), d.End.Format("2006-01-02"), d.SignalType)
}

// Split divides the requested date range: the leading part is used for
// training and the trailing ValidationPct percent for validation. With a
// ValidationPct of zero the validation set is empty.
func Split(req *wire.MasterRequest) (training, validation DataSet) {
	span := req.EndDate.Sub(req.StartDate)
	cut := req.EndDate.Add(-time.Duration(float64(span) * req.ValidationPct / 100))

	training = DataSet{Symbol: req.Symbol, Start: req.StartDate, End: cut, SignalType: req.SignalType}
	validation = DataSet{Symbol: req.Symbol, Start: cut, End: req.EndDate, SignalType: req.SignalType}
	return training, validation
}
