// Package ltr scores feature vectors with a learned-to-rank model.
//
// Three variants implement Scorer: a linear model, a gradient-boosted tree
// ensemble and a pass-through that returns the similarity feature. Models are
// JSON files:
//
//	{"variant": "linear", "schema_version": 2,
//	 "intercept": 0.1, "weights": {"similarity": 1.2, "authority": 0.4}}
//
//	{"variant": "gbdt", "schema_version": 2, "base_score": 0, "learning_rate": 0.1,
//	 "trees": [{"nodes": [{"feature": 0, "threshold": 0.5, "left": 1, "right": 2},
//	                      {"left": -1, "right": -1, "leaf_value": -1},
//	                      {"left": -1, "right": -1, "leaf_value": 1}]}]}
//
// Inputs are clipped to each feature's valid range before scoring and the
// output is always finite. Load never fails a request: without a readable
// model it falls back to the pass-through scorer, which reports every result
// as degraded.
package ltr
