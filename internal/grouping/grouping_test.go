package grouping

import (
	"context"
	"strings"
	"testing"

	"github.com/open-sspm/poam-import/internal/poam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGrouperGroupsBySolution(t *testing.T) {
	t.Parallel()

	findings := []poam.Finding{
		{ID: "1", Title: "OpenSSL 3.0.1", Host: "web-01", Severity: poam.SeverityHigh, Solution: "Upgrade OpenSSL to 3.0.7", CVEs: []string{"cve-2022-3602"}},
		{ID: "2", Title: "OpenSSL 3.0.2", Host: "WEB-02", Severity: poam.SeverityCritical, Solution: "  upgrade openssl   to 3.0.7", Patchable: true, CVEs: []string{"CVE-2022-3786"}},
		{ID: "3", Title: "SMB signing", Host: "fs-01", Severity: poam.SeverityMedium, AdvisoryIDs: []string{"MS-SMB-01"}},
		{ID: "4", Title: "SMB signing not required", Host: "fs-02", Severity: poam.SeverityLow, AdvisoryIDs: []string{"ms-smb-01"}},
		{ID: "5", Title: "Self-signed certificate", Host: "unknown", Severity: poam.SeverityMedium, Solution: "N/A"},
		{ID: "6", Title: "Self-Signed  Certificate", Host: "web-01", Severity: poam.SeverityLow},
		{ID: "7", Title: "OpenSSL 3.0.1", Host: "web-01", Severity: poam.SeverityHigh, Solution: "Upgrade OpenSSL to 3.0.7"},
	}

	groups, err := KeyGrouper{}.Group(context.Background(), findings, "scan-1")
	require.NoError(t, err)
	require.Len(t, groups, 3)

	openssl := groups[0]
	assert.True(t, strings.HasPrefix(openssl.Signature, "solution-"))
	assert.Len(t, openssl.Findings, 3)
	assert.Equal(t, poam.SeverityCritical, openssl.Severity)
	assert.True(t, openssl.Patchable)
	assert.Equal(t, []string{"web-01", "web-02"}, openssl.Assets)
	assert.Equal(t, []string{"CVE-2022-3602", "CVE-2022-3786"}, openssl.AdvisoryIDs)

	smb := groups[1]
	assert.True(t, strings.HasPrefix(smb.Signature, "advisory-"))
	assert.Len(t, smb.Findings, 2)
	assert.Equal(t, poam.SeverityMedium, smb.Severity)
	assert.Equal(t, []string{"MS-SMB-01"}, smb.AdvisoryIDs)

	cert := groups[2]
	assert.True(t, strings.HasPrefix(cert.Signature, "title-"))
	assert.Equal(t, []string{"web-01"}, cert.Assets)
	assert.False(t, cert.Patchable)
}

func TestKeyGrouperIsDeterministic(t *testing.T) {
	t.Parallel()

	findings := []poam.Finding{
		{ID: "1", Title: "A", Host: "h1", Solution: "fix a"},
		{ID: "2", Title: "B", Host: "h2", Solution: "fix b"},
		{ID: "3", Title: "A", Host: "h3", Solution: "fix a"},
	}
	first, err := KeyGrouper{}.Group(context.Background(), findings, "s")
	require.NoError(t, err)
	second, err := KeyGrouper{}.Group(context.Background(), findings, "s")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyGrouperScanScopedSignatures(t *testing.T) {
	t.Parallel()

	findings := []poam.Finding{{ID: "1", Title: "A", Solution: "fix a"}}
	groups, err := KeyGrouper{IncludeScanID: true}.Group(context.Background(), findings, "scan-9")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, strings.HasPrefix(groups[0].Signature, "scan-9:solution-"))
}

func TestKeyGrouperHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := KeyGrouper{}.Group(ctx, []poam.Finding{{Title: "A"}}, "s")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignatureIsStable(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Signature("solution", "x"), Signature("solution", "x"))
	assert.NotEqual(t, Signature("solution", "x"), Signature("title", "x"))
	assert.Len(t, Signature("title", "x"), len("title-")+16)
}
