// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"

// DedupeCitations collapses retrieved chunks to one citation per source,
// preserving first-seen order. Chunks without a source are skipped.
func DedupeCitations(chunks []datatypes.RetrievedChunk) []datatypes.Citation {
	if len(chunks) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(chunks))
	citations := make([]datatypes.Citation, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.SourceID == "" {
			continue
		}
		if _, ok := seen[chunk.SourceID]; ok {
			continue
		}
		seen[chunk.SourceID] = struct{}{}
		citations = append(citations, datatypes.Citation{SourceID: chunk.SourceID})
	}
	if len(citations) == 0 {
		return nil
	}
	return citations
}

// MeanScore returns the arithmetic mean of chunk scores, or exactly 0
// for an empty slice. Zero chunks always read as zero confidence.
func MeanScore(chunks []datatypes.RetrievedChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, chunk := range chunks {
		sum += chunk.Score
	}
	return sum / float64(len(chunks))
}
