package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	RecordSFTPSessionCreated()
	RecordSMBCall("list_directory", errors.New("boom"))
	RecordArchiveStructureLookup(true)
	RecordArchivePruned("ttl", 2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"unifs_sftp_sessions_created_total",
		"unifs_smb_calls_total",
		"unifs_archive_structure_lookups_total",
		"unifs_archive_cache_pruned_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}
