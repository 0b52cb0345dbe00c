package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"netsift/pkg/model"
)

type capturePub struct {
	subject string
	data    []byte
	err     error
}

func (c *capturePub) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

func sampleRecord() *model.ClassifiedPacket {
	return &model.ClassifiedPacket{
		SessionID: "abc",
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		SrcIP:     "10.0.0.1",
		SrcPort:   5555,
		DstIP:     "10.0.0.2",
		DstPort:   443,
		Protocol:  "TCP",
		Length:    1500,
		Flags:     "ACK",
		TTL:       64,
		Label:     model.LabelDDoS,
		RawLabel:  "DDoS",
		Features:  map[string]float64{"Destination Port": 443},
	}
}

func TestToStruct(t *testing.T) {
	st, err := ToStruct(sampleRecord())
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	f := st.GetFields()
	if f["classification"].GetStringValue() != string(model.LabelDDoS) {
		t.Fatalf("classification=%v", f["classification"])
	}
	if f["dst_port"].GetNumberValue() != 443 || f["length"].GetNumberValue() != 1500 {
		t.Fatalf("numbers=%v %v", f["dst_port"], f["length"])
	}
	if f["timestamp"].GetStringValue() != "2026-03-04T05:06:07Z" {
		t.Fatalf("timestamp=%v", f["timestamp"])
	}
	if f["features"].GetStructValue().GetFields()["Destination Port"].GetNumberValue() != 443 {
		t.Fatalf("features=%v", f["features"])
	}
	if _, err := ToStruct(nil); err == nil {
		t.Fatalf("expected error for nil")
	}
}

func TestPublish(t *testing.T) {
	cp := &capturePub{}
	p := &Publisher{pub: cp, subject: DefaultSubject}
	if err := p.Publish(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if cp.subject != DefaultSubject {
		t.Fatalf("subject=%s", cp.subject)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(cp.data, &st); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if st.GetFields()["src_ip"].GetStringValue() != "10.0.0.1" {
		t.Fatalf("src_ip=%v", st.GetFields()["src_ip"])
	}

	cp.err = errors.New("closed")
	if err := p.Publish(context.Background(), sampleRecord()); err == nil {
		t.Fatalf("expected publish error")
	}
}
