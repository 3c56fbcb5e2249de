package dbclient

import (
	"encoding/json"
	"fmt"

	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/topology"
)

// The result-set shape of every system procedure topology consumes is,
// like the application response body, an opaque server-defined format:
// only the fields this client actually extracts are documented here.
// This decoder treats a system call's Response.Results as a JSON
// document carrying exactly those fields, matching the procedure
// catalog's own use of an embedded JSON document and extending the same
// convention to the sibling system calls for consistency.
type jsonTopologyDecoder struct{}

type topoStatsPayload struct {
	HashConfig []byte `json:"hashConfig"`
	Rows       []struct {
		Partition int32    `json:"partition"`
		Leader    string   `json:"leader"`
		Sites     []string `json:"sites"`
	} `json:"rows"`
}

func (jsonTopologyDecoder) DecodeStatisticsTopo(resp *result.Response) ([]byte, []topology.TopologyRow, error) {
	var payload topoStatsPayload
	if err := json.Unmarshal(resp.Results, &payload); err != nil {
		return nil, nil, fmt.Errorf("decode @Statistics(TOPO): %w", err)
	}
	rows := make([]topology.TopologyRow, len(payload.Rows))
	for i, r := range payload.Rows {
		rows[i] = topology.TopologyRow{Partition: r.Partition, Leader: r.Leader, Sites: r.Sites}
	}
	return payload.HashConfig, rows, nil
}

type catalogRowPayload struct {
	Name string `json:"name"`
	Doc  string `json:"doc"`
}

type catalogDocPayload struct {
	ReadOnly                bool  `json:"readOnly"`
	SinglePartition         bool  `json:"singlePartition"`
	PartitionParameter      int   `json:"partitionParameter"`
	PartitionParameterType  int32 `json:"partitionParameterType"`
}

func (jsonTopologyDecoder) DecodeSystemCatalogProcedures(resp *result.Response) ([]topology.ProcedureRow, int, error) {
	var rawRows []catalogRowPayload
	if err := json.Unmarshal(resp.Results, &rawRows); err != nil {
		return nil, 0, fmt.Errorf("decode @SystemCatalog(PROCEDURES): %w", err)
	}

	rows := make([]topology.ProcedureRow, 0, len(rawRows))
	badRows := 0
	for _, raw := range rawRows {
		var doc catalogDocPayload
		if err := json.Unmarshal([]byte(raw.Doc), &doc); err != nil {
			badRows++
			continue
		}
		rows = append(rows, topology.ProcedureRow{
			Name:                    raw.Name,
			ReadOnly:                doc.ReadOnly,
			SinglePartition:         doc.SinglePartition,
			PartitionParameterIndex: doc.PartitionParameter,
			PartitionParameterType:  doc.PartitionParameterType,
		})
	}
	return rows, badRows, nil
}

func (jsonTopologyDecoder) DecodeSystemInformationOverview(resp *result.Response) ([]topology.OverviewRow, error) {
	var rows []topology.OverviewRow
	if err := json.Unmarshal(resp.Results, &rows); err != nil {
		return nil, fmt.Errorf("decode @SystemInformation(OVERVIEW): %w", err)
	}
	return rows, nil
}

func (jsonTopologyDecoder) DecodeGetPartitionKeys(resp *result.Response) (map[int32]int64, error) {
	var raw map[string]int64
	if err := json.Unmarshal(resp.Results, &raw); err != nil {
		return nil, fmt.Errorf("decode @GetPartitionKeys: %w", err)
	}
	out := make(map[int32]int64, len(raw))
	for k, v := range raw {
		var partition int32
		if _, err := fmt.Sscanf(k, "%d", &partition); err != nil {
			continue
		}
		out[partition] = v
	}
	return out, nil
}
