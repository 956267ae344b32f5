package query

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dcmrs-broker/dcmrs-broker/internal/dcm"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse/dimsetest"
)

var testEndpoint = dimse.Endpoint{LocalAETitle: "BROKER", RemoteAETitle: "PACS", Host: "pacs.local", Port: 104}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func studies(n int) []*dcm.Attributes {
	out := make([]*dcm.Attributes, n)
	for i := range out {
		a := dcm.NewAttributes()
		a.SetString(dcm.StudyInstanceUID, "1.2."+strconv.Itoa(i))
		out[i] = a
	}
	return out
}

func TestQueryAppliesOffsetAndLimit(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.FindResults = studies(10)
	agent := NewAgent(archive, testEndpoint, quietLogger())

	results, err := agent.Query(context.Background(), Request{Level: dcm.LevelStudy, Offset: 2, Limit: 3})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("应返回 3 条结果，实际 %d", len(results))
	}
	for i, r := range results {
		if got, want := r.String(dcm.StudyInstanceUID), "1.2."+strconv.Itoa(i+2); got != want {
			t.Fatalf("第 %d 条结果应为 %s，实际 %s", i, want, got)
		}
	}
	if !archive.Canceled() {
		t.Fatalf("达到 limit 后应发送 C-CANCEL")
	}
	if archive.Delivered() != 5 {
		t.Fatalf("取消后不应继续投递，实际投递 %d", archive.Delivered())
	}
	if archive.Releases() != 1 {
		t.Fatalf("关联应被释放一次，实际 %d", archive.Releases())
	}
}

func TestQueryWithoutLimitReturnsEverything(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.FindResults = studies(4)
	agent := NewAgent(archive, testEndpoint, quietLogger())

	results, err := agent.Query(context.Background(), Request{Level: dcm.LevelStudy, Offset: 1})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("应返回 3 条结果，实际 %d", len(results))
	}
	if archive.Canceled() {
		t.Fatalf("无 limit 时不应取消")
	}
}

func TestQueryOffsetPastEndIsEmpty(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.FindResults = studies(2)
	agent := NewAgent(archive, testEndpoint, quietLogger())

	results, err := agent.Query(context.Background(), Request{Level: dcm.LevelStudy, Offset: 5})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("偏移超过结果数时应为空，实际 %d", len(results))
	}
}

func TestQuerySendsRequiredKeysAndNegotiation(t *testing.T) {
	archive := dimsetest.NewArchive()
	agent := NewAgent(archive, testEndpoint, quietLogger())

	filters := dcm.NewAttributes()
	filters.SetString(dcm.PatientID, "PAT-1")
	if _, err := agent.Query(context.Background(), Request{Level: dcm.LevelStudy, Filters: filters}); err != nil {
		t.Fatalf("查询失败: %v", err)
	}

	keys := archive.FindKeys()
	if len(keys) != 1 {
		t.Fatalf("应发送一次 C-FIND，实际 %d", len(keys))
	}
	sent := keys[0]
	if got := sent.String(dcm.QueryRetrieveLevel); got != "STUDY" {
		t.Fatalf("QueryRetrieveLevel 应为 STUDY，实际 %q", got)
	}
	if got := sent.String(dcm.PatientID); got != "PAT-1" {
		t.Fatalf("过滤条件应覆盖占位，实际 %q", got)
	}
	for _, tag := range []dcm.Tag{dcm.StudyDate, dcm.PatientName, dcm.NumberOfStudyRelatedInstances} {
		e, ok := sent.Get(tag)
		if !ok || !e.IsNull() {
			t.Fatalf("必需属性 %s 应以空值发送", tag)
		}
	}

	reqs := archive.Requests()
	if len(reqs) != 1 || !reqs[0].ExtendedNegotiation {
		t.Fatalf("C-FIND 关联应请求扩展协商: %+v", reqs)
	}
	if reqs[0].AbstractSyntax != dcm.StudyRootQueryRetrieveInformationModelFind {
		t.Fatalf("抽象语法错误: %s", reqs[0].AbstractSyntax)
	}
}

func TestBuildKeysSeriesLevelCreatesSequencePlaceholders(t *testing.T) {
	keys := BuildKeys(Request{Level: dcm.LevelSeries})
	seq, ok := keys.Get(dcm.RequestAttributesSequence)
	if !ok || !seq.IsSequence() || len(seq.Items) != 1 {
		t.Fatalf("RequestAttributesSequence 应包含一个条目: %+v", seq)
	}
	item := seq.Items[0]
	if !item.Contains(dcm.ScheduledProcedureStepID) || !item.Contains(dcm.RequestedProcedureID) {
		t.Fatalf("序列条目应包含两个占位属性")
	}
	if got := keys.String(dcm.QueryRetrieveLevel); got != "SERIES" {
		t.Fatalf("QueryRetrieveLevel 应为 SERIES，实际 %q", got)
	}
}

func TestQueryDialFailure(t *testing.T) {
	archive := dimsetest.NewArchive()
	archive.DialErr = errors.New("connection refused")
	agent := NewAgent(archive, testEndpoint, quietLogger())

	if _, err := agent.Query(context.Background(), Request{Level: dcm.LevelImage}); err == nil {
		t.Fatalf("建立关联失败时应返回错误")
	}
}
