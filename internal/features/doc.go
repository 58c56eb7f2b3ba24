// Package features extracts structured signals from chunk text at ingestion
// and assembles the fixed-schema feature vector scored by the LTR model.
//
// Schema version 2 orders its features as:
//
//	0 similarity         1 / (1 + l2 distance)
//	1 log_token_count    ln(token_count + 1)
//	2 bias               1.0
//	3 entity_overlap     chunk entities whose stems all occur in the query
//	4 keyphrase_overlap  chunk keyphrases whose stems all occur in the query
//	5 authority          chunk authority score
//
// Version 1 is the first three features. Assemble is a pure function of the
// prepared query, the candidate and the schema version.
package features
