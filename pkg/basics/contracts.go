package basics

import (
	"context"

	"github.com/validana-io/vserver/pkg/protocol"
	"github.com/validana-io/vserver/pkg/store"
)

// contractsCacheKey builds the cache key for a given filter type; the
// empty filter (all contracts) is cached under the dedicated key
// "\x00all" so it never collides with a contract type literally named
// "all".
func contractsCacheKey(contractType string) string {
	if contractType == "" {
		return "\x00all"
	}
	return contractType
}

// refreshContracts is the cache.Cache update function for the
// `contracts` cache instance, registered via RegisterAddAll so any
// filter value is cacheable without individual pre-registration.
func (d Deps) refreshContracts(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		contractType := key
		if key == "\x00all" {
			contractType = ""
		}
		rows, err := d.Store.Contracts(ctx, contractType)
		if err != nil {
			return nil, err
		}
		out[key] = rows
	}
	return out, nil
}

type contractDescriptor struct {
	Hash            string `json:"hash"`
	Type            string `json:"type"`
	Version         int32  `json:"version"`
	Description     string `json:"description"`
	Template        string `json:"template"`
	ValidanaVersion string `json:"validana_version"`
}

// handleContracts implements the `contracts` verb: body `{ type?: string
// }` or a raw string, served from the shared TTL cache.
func (d Deps) handleContracts(ctx context.Context, msg *protocol.Message) (any, error) {
	contractType := parseContractsRequest(msg.Data)

	if d.Contracts == nil {
		rows, err := d.Store.Contracts(ctx, contractType)
		if err != nil {
			return nil, protocol.NewInternalError(err)
		}
		return toDescriptors(rows), nil
	}

	v, err := d.Contracts.Get(ctx, contractsCacheKey(contractType))
	if err != nil {
		return nil, protocol.NewInternalError(err)
	}
	rows, _ := v.([]store.Contract)
	return toDescriptors(rows), nil
}

func parseContractsRequest(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["type"].(string); ok {
			return s
		}
	}
	return ""
}

func toDescriptors(rows []store.Contract) []contractDescriptor {
	out := make([]contractDescriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, contractDescriptor{
			Hash:            encodeTxID(r.Hash),
			Type:            r.Type,
			Version:         r.Version,
			Description:     r.Description,
			Template:        r.Template,
			ValidanaVersion: r.ValidanaVersion,
		})
	}
	return out
}
