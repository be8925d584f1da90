package writer

import (
	"github.com/sirupsen/logrus"

	"rasterstream/internal/models"
)

// Observer follows the progress of a pass. Calls come from the goroutine
// running Update.
type Observer interface {
	Started(stats models.RunStats)
	TileWritten(tile models.Tile, stats models.RunStats)
	Finished(stats models.RunStats)
}

// LogObserver reports progress every Step of the pass (10% by default).
type LogObserver struct {
	Log  logrus.FieldLogger
	Step float64

	next float64
}

func (o *LogObserver) step() float64 {
	if o.Step <= 0 {
		return 0.1
	}
	return o.Step
}

func (o *LogObserver) Started(stats models.RunStats) {
	o.next = o.step()
	o.Log.WithFields(logrus.Fields{"run_id": stats.RunID, "tiles": stats.Tiles}).Info("writing")
}

func (o *LogObserver) TileWritten(_ models.Tile, stats models.RunStats) {
	p := stats.Progress()
	if p+1e-9 < o.next {
		return
	}
	for o.next <= p+1e-9 {
		o.next += o.step()
	}
	o.Log.WithFields(logrus.Fields{"run_id": stats.RunID}).Infof("progress %.0f%%", p*100)
}

func (o *LogObserver) Finished(stats models.RunStats) {
	entry := o.Log.WithFields(logrus.Fields{"run_id": stats.RunID, "tiles": stats.TilesWritten})
	if stats.Err != nil {
		entry.WithError(stats.Err).Warn("write interrupted")
		return
	}
	entry.Info("write complete")
}
