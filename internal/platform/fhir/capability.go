package fhir

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// CapabilityStatement describes the registered resource types and the
// interactions the dispatch table supports for each.
func (r *Registry) CapabilityStatement(serverName, version string) map[string]interface{} {
	types := r.Types()
	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		h, _ := r.Lookup(rt)
		interactions := []map[string]string{{"code": "create"}, {"code": "read"}}
		if _, ok := h.(Searcher); ok {
			interactions = append(interactions, map[string]string{"code": "search-type"})
		}
		resources = append(resources, map[string]interface{}{
			"type":        rt,
			"interaction": interactions,
		})
	}
	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"software":     map[string]string{"name": serverName, "version": version},
		"rest": []map[string]interface{}{{
			"mode":     "server",
			"resource": resources,
		}},
	}
}

// MetadataHandler serves GET /fhir/metadata.
func (r *Registry) MetadataHandler(serverName, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, r.CapabilityStatement(serverName, version))
	}
}
