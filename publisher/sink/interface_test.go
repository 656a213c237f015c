package sink

import "github.com/ao-apps/aoserv-master/publisher"

var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
)
