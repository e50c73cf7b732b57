package attributes

import (
	"github.com/google/uuid"

	"github.com/agenta-ai/tracequery/internal/model"
)

// FromWire converts a wire span into its stored form under the given
// project. Flat attributes are decoded into the nested namespace document
// and the type namespace is lifted into the SpanType/TraceType columns.
func FromWire(projectID uuid.UUID, f model.FlatSpan) model.Span {
	bag := DecodeAll(f.Attributes)

	s := model.Span{
		ProjectID:     projectID,
		TraceID:       f.TraceID,
		SpanID:        f.SpanID,
		ParentID:      f.ParentID,
		SpanName:      f.SpanName,
		SpanKind:      f.SpanKind,
		StartTime:     f.StartTime,
		EndTime:       f.EndTime,
		StatusCode:    f.StatusCode,
		StatusMessage: f.StatusMessage,
		Attributes:    bag.Document(),
		Links:         f.Links,
	}
	if s.SpanKind == "" {
		s.SpanKind = model.SpanKindInternal
	}
	if s.StatusCode == "" {
		s.StatusCode = model.StatusCodeUnset
	}
	if v, ok := bag.Type["span"].(string); ok {
		s.SpanType = v
	}
	if v, ok := bag.Type["trace"].(string); ok {
		s.TraceType = v
	}
	return s
}

// ToWire converts a stored span back to the wire form, re-flattening the
// attribute document and restoring the type namespace keys.
func ToWire(s model.Span) model.FlatSpan {
	flat := EncodeDocument(s.Attributes)
	if s.SpanType != "" || s.TraceType != "" {
		if flat == nil {
			flat = make(map[string]any)
		}
		if s.SpanType != "" {
			flat[Prefix+string(NamespaceType)+".span"] = s.SpanType
		}
		if s.TraceType != "" {
			flat[Prefix+string(NamespaceType)+".trace"] = s.TraceType
		}
	}
	return model.FlatSpan{
		TraceID:       s.TraceID,
		SpanID:        s.SpanID,
		ParentID:      s.ParentID,
		SpanName:      s.SpanName,
		SpanKind:      s.SpanKind,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		StatusCode:    s.StatusCode,
		StatusMessage: s.StatusMessage,
		Attributes:    flat,
		Links:         s.Links,
	}
}

// FromWireBatch converts a batch of wire spans, preserving order.
func FromWireBatch(projectID uuid.UUID, flats []model.FlatSpan) []model.Span {
	spans := make([]model.Span, len(flats))
	for i, f := range flats {
		spans[i] = FromWire(projectID, f)
	}
	return spans
}

// ToWireBatch converts a batch of stored spans, preserving order.
func ToWireBatch(spans []model.Span) []model.FlatSpan {
	flats := make([]model.FlatSpan, len(spans))
	for i, s := range spans {
		flats[i] = ToWire(s)
	}
	return flats
}
