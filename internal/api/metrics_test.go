package api

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
)

func TestMetricsSink(t *testing.T) {
	created := testutil.ToFloat64(proofsCreatedTotal)
	verified := testutil.ToFloat64(proofsVerifiedTotal)

	sink := MetricsSink()
	sink.Emit(ledger.ProofCreated(hash.ZeroDigest, hash.ZeroDigest, 1))
	sink.Emit(ledger.ProofVerified(hash.ZeroDigest, "auditor"))
	sink.Emit(ledger.ProofVerified(hash.ZeroDigest, "auditor"))

	require.Equal(t, created+1, testutil.ToFloat64(proofsCreatedTotal))
	require.Equal(t, verified+2, testutil.ToFloat64(proofsVerifiedTotal))
}

func TestRecordFailureCodes(t *testing.T) {
	before := testutil.ToFloat64(verificationFailuresTotal.WithLabelValues("internal"))
	recordVerificationFailure("")
	require.Equal(t, before+1, testutil.ToFloat64(verificationFailuresTotal.WithLabelValues("internal")))

	before = testutil.ToFloat64(submissionRejectionsTotal.WithLabelValues("duplicate_data"))
	recordSubmissionRejection("duplicate_data")
	require.Equal(t, before+1, testutil.ToFloat64(submissionRejectionsTotal.WithLabelValues("duplicate_data")))
}
