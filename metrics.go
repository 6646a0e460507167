// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tricd

import "github.com/prometheus/client_golang/prometheus"

var (
	generateRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "generate_request_ops_total",
			Help:      "The total number of contrastive generation requests.",
		},
		[]string{"mode"},
	)
	tokenGenerationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "token_generation_ops_total",
			Help:      "The total number of tokens generated.",
		},
		[]string{"mode"},
	)

	generateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "generate_duration_seconds",
			Help:      "Time taken by a contrastive generation call.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode", "status"},
	)

	branchForwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "branch_forward_duration_seconds",
			Help:      "Time taken by one branch forward pass.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"variant", "status"},
	)

	activeBranches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "active_branches",
			Help:      "Number of branches taking part in a generation call.",
			Buckets:   []float64{1, 2, 3},
		},
	)

	augmentationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "augmentation_failures_total",
			Help:      "Total number of saliency augmentations that failed and dropped the masked branch.",
		},
		[]string{"stage"},
	)

	invalidNoiseSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "invalid_noise_steps_total",
			Help:      "Total number of out-of-range noise steps that were clipped.",
		},
	)

	degenerateDistributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "degenerate_distributions_total",
			Help:      "Total number of steps aborted because no candidate token survived.",
		},
		[]string{"mode"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"}, // perturbed, masked
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "tricd",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"}, // perturbed, masked
	)
)

func init() {
	prometheus.MustRegister(generateRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(generateDuration)
	prometheus.MustRegister(branchForwardDuration)
	prometheus.MustRegister(activeBranches)
	prometheus.MustRegister(augmentationFailures)
	prometheus.MustRegister(invalidNoiseSteps)
	prometheus.MustRegister(degenerateDistributions)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordGenerateRequest increments the generation request counter
func RecordGenerateRequest(mode string) {
	generateRequestOps.WithLabelValues(mode).Inc()
}

// RecordTokenGeneration records the number of tokens generated
func RecordTokenGeneration(mode string, count int) {
	tokenGenerationOps.WithLabelValues(mode).Add(float64(count))
}

// RecordGenerateDuration records how long a generation call took
func RecordGenerateDuration(mode, status string, seconds float64) {
	generateDuration.WithLabelValues(mode, status).Observe(seconds)
}

// RecordBranchForward records one branch forward pass
func RecordBranchForward(variant, status string, seconds float64) {
	branchForwardDuration.WithLabelValues(variant, status).Observe(seconds)
}

// RecordActiveBranches records how many branches a call used
func RecordActiveBranches(n int) {
	activeBranches.Observe(float64(n))
}

// RecordAugmentationFailure increments the augmentation failure counter
func RecordAugmentationFailure(stage string) {
	augmentationFailures.WithLabelValues(stage).Inc()
}

// RecordInvalidNoiseStep increments the clipped noise step counter
func RecordInvalidNoiseStep() {
	invalidNoiseSteps.Inc()
}

// RecordDegenerateDistribution increments the degenerate distribution counter
func RecordDegenerateDistribution(mode string) {
	degenerateDistributions.WithLabelValues(mode).Inc()
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
