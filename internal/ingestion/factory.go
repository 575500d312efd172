package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

const (
	ProviderGoogleWorkspace = "google_workspace"
	ProviderMicrosoft365    = "microsoft_365"
	ProviderGenericIMAP     = "generic_imap"
	ProviderPST             = "pst_import"
	ProviderEML             = "eml_import"
	ProviderMbox            = "mbox_import"
)

// Source is the per-source connector configuration.
type Source struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	Credentials json.RawMessage `json:"credentials"`
}

// Factory builds connectors for ingestion sources.
type Factory struct {
	store  ObjectStore
	logger logging.Logger
}

func NewFactory(store ObjectStore, logger logging.Logger) *Factory {
	return &Factory{store: store, logger: logger}
}

func (f *Factory) New(src Source) (Connector, error) {
	switch src.Provider {
	case ProviderMbox:
		var creds MboxCredentials
		if len(src.Credentials) > 0 {
			if err := json.Unmarshal(src.Credentials, &creds); err != nil {
				return nil, fmt.Errorf("%w: mbox credentials: %v", common.ErrInvalidConfig, err)
			}
		}
		return NewMboxConnector(creds, f.store, f.logger.With("sourceId", src.ID)), nil
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedProvider, src.Provider)
	}
}
