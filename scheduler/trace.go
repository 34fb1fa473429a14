package scheduler

import (
	"sort"

	"go.uber.org/zap"
)

type traceFunc func(st *state, traceID string)

// WithTrace enables the diagnostic channel: once reordering completes
// and before synchronization is emitted, every instruction is logged with
// its accumulated weight, the set of streams reachable through its inputs,
// and its own assigned stream if any. Every line carries a trace_id field
// (see WithTraceID) correlating one Apply pass's lines together.
func WithTrace(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger == nil {
			logger = zap.NewNop()
		}
		o.trace = func(st *state, traceID string) {
			for _, n := range st.p.Order() {
				fields := []zap.Field{
					zap.String("trace_id", traceID),
					zap.Uint16("node", uint16(n)),
					zap.Uint64("weight", st.w[n]),
					zap.Ints("input_streams", inputStreamList(st, n)),
				}
				if st.hasStream(n) {
					fields = append(fields, zap.Int("stream", int(st.streamOf(n))))
				}
				logger.Info("scheduled", fields...)
			}
		}
	}
}

func inputStreamList(st *state, n IRef) []int {
	set := make(map[StreamID]bool)
	walkStreams(st, n, inputsOf, func(s StreamID) bool {
		set[s] = true
		return true
	})
	out := make([]int, 0, len(set))
	for s := range set {
		out = append(out, int(s))
	}
	sort.Ints(out)
	return out
}
