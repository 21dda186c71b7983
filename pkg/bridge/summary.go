package bridge

import (
	"encoding/json"

	"github.com/m-lab/perfbridge/pkg/bridge/model"
)

type endSum struct {
	Bytes         int64   `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	JitterMS      float64 `json:"jitter_ms"`
	MeanRTT       float64 `json:"mean_rtt"`
}

type endSummary struct {
	End struct {
		Streams []struct {
			Sender *endSum `json:"sender"`
		} `json:"streams"`
		Sum         *endSum `json:"sum"`
		SumSent     *endSum `json:"sum_sent"`
		SumReceived *endSum `json:"sum_received"`
	} `json:"end"`
}

// parseSummary fills the metrics of result from the end record of the
// engine's JSON output. RTTs are reported by the engine in microseconds.
func parseSummary(out string, udp bool, result *model.Result) error {
	var doc endSummary
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return err
	}
	end := doc.End
	if s := end.SumSent; s != nil {
		result.SentBitsPerSecond = s.BitsPerSecond
		result.SentBytes = s.Bytes
	}
	if s := end.SumReceived; s != nil {
		result.ReceivedBitsPerSecond = s.BitsPerSecond
		result.ReceivedBytes = s.Bytes
	}
	result.SentMbps = result.SentBitsPerSecond / 1e6
	result.ReceivedMbps = result.ReceivedBitsPerSecond / 1e6
	if udp {
		if end.Sum != nil {
			result.JitterMillis = end.Sum.JitterMS
		}
		return nil
	}
	var total float64
	var n int
	for _, s := range end.Streams {
		if s.Sender != nil && s.Sender.MeanRTT > 0 {
			total += s.Sender.MeanRTT
			n++
		}
	}
	if n > 0 {
		result.MeanRTTMillis = total / float64(n) / 1000
	}
	return nil
}
