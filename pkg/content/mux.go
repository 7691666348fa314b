package content

import (
	"strings"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

// Mux routes to a Factory by the session media type. Lookup order is the exact
// type/subtype, then a structured suffix ("application/vnd.x+json" matches
// "application/json"), then "type/*", then the fallback.
type Mux struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  Factory
}

func NewMux(fallback Factory) *Mux {
	if fallback == nil {
		fallback = RawFactory{}
	}
	return &Mux{
		factories: map[string]Factory{},
		fallback:  fallback,
	}
}

// NewDefaultMux knows the raw, protobuf and JSON variants and falls back to raw.
func NewDefaultMux() *Mux {
	m := NewMux(RawFactory{})
	m.Handle(MediaTypeOctetStream, RawFactory{})
	m.Handle(MediaTypeProtobuf, ProtoFactory{})
	m.Handle("application/protobuf", ProtoFactory{})
	m.Handle(MediaTypeJSON, JSONFactory{})
	return m
}

func (m *Mux) Handle(mediaType string, f Factory) {
	key := mediaKey(contenttype.NewMediaType(mediaType))
	if key == "" || f == nil {
		return
	}
	m.mu.Lock()
	m.factories[key] = f
	m.mu.Unlock()
}

func (m *Mux) Lookup(mediaType string) Factory {
	mt := contenttype.NewMediaType(mediaType)
	key := mediaKey(mt)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if key != "" {
		if f, ok := m.factories[key]; ok {
			return f
		}
		if i := strings.LastIndexByte(mt.Subtype, '+'); i >= 0 {
			if f, ok := m.factories[strings.ToLower(mt.Type)+"/"+strings.ToLower(mt.Subtype[i+1:])]; ok {
				return f
			}
		}
		if f, ok := m.factories[strings.ToLower(mt.Type)+"/*"]; ok {
			return f
		}
	}
	return m.fallback
}

func (m *Mux) Create(view session.View, payload []byte, s *sender.Sender) (*Content, error) {
	if view == nil {
		return nil, decodeFailure("mux: no session")
	}
	return m.Lookup(view.MediaType()).Create(view, payload, s)
}

func mediaKey(mt contenttype.MediaType) string {
	if mt.Type == "" || mt.Subtype == "" {
		return ""
	}
	return strings.ToLower(mt.Type) + "/" + strings.ToLower(mt.Subtype)
}
