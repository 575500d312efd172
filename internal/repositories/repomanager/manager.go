package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/attachments"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/emails"
	"github.com/dmitrijs2005/mailarchiver/internal/repositories/sources"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Emails(db dbx.DBTX) emails.Repository
	Attachments(db dbx.DBTX) attachments.Repository
	Sources(db dbx.DBTX) sources.Repository
}
