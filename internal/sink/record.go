// Package sink delivers transaction records to the console and to Kafka.
package sink

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"firestige.xyz/applayer/internal/core"
)

// Struct converts rec to a protobuf Struct, the wire form of a record.
func Struct(rec *core.TxRecord) (*structpb.Struct, error) {
	labels := make(map[string]any, len(rec.Labels))
	for k, v := range rec.Labels {
		labels[k] = v
	}
	events := make([]any, len(rec.Events))
	for i, ev := range rec.Events {
		events[i] = ev
	}
	return structpb.NewStruct(map[string]any{
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"src_ip":    rec.SrcIP.String(),
		"dst_ip":    rec.DstIP.String(),
		"src_port":  uint32(rec.SrcPort),
		"dst_port":  uint32(rec.DstPort),
		"transport": core.IPProto(rec.Protocol).String(),
		"app_proto": rec.AppProto,
		"tx_id":     rec.TxID,
		"direction": rec.Direction.String(),
		"complete":  rec.Complete,
		"labels":    labels,
		"events":    events,
	})
}

// FlowKey renders the flow of rec, client first. Records of one flow share
// the key so they land on one Kafka partition.
func FlowKey(rec *core.TxRecord) string {
	return fmt.Sprintf("%s/%s:%d-%s:%d", core.IPProto(rec.Protocol),
		rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort)
}

// Text renders rec on one line.
func Text(rec *core.TxRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s:%d -> %s:%d tx=%d dir=%s",
		rec.Timestamp.Format("15:04:05.000"), rec.AppProto,
		rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort,
		rec.TxID, rec.Direction)
	if !rec.Complete {
		b.WriteString(" incomplete")
	}
	keys := make([]string, 0, len(rec.Labels))
	for k := range rec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, rec.Labels[k])
	}
	if len(rec.Events) > 0 {
		fmt.Fprintf(&b, " events=%s", strings.Join(rec.Events, ","))
	}
	return b.String()
}
