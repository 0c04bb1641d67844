// Package appproxy calls back into a companion application, the process
// that owns the content, to open an item or a search in its own window.
package appproxy

import (
	"context"
	"strings"

	"github.com/agentic-research/knowledge-services/api"
	"github.com/godbus/dbus/v5"
)

// Launcher is the companion application's KnowledgeSearch interface.
type Launcher interface {
	LoadItem(ctx context.Context, id, query string, timestamp uint32) error
	LoadQuery(ctx context.Context, query string, timestamp uint32) error
}

// ObjectPath is where an application exports KnowledgeSearch: its id with
// dots turned into slashes.
func ObjectPath(appID string) dbus.ObjectPath {
	return dbus.ObjectPath("/" + strings.ReplaceAll(appID, ".", "/"))
}

// Caller is the subset of *dbus.Conn needed to reach an application.
type Caller interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// BusLauncher reaches the application over the bus. The application is
// activated by the bus if it is not running.
type BusLauncher struct {
	obj dbus.BusObject
}

// New returns a Launcher for appID on conn.
func New(conn Caller, appID string) *BusLauncher {
	return &BusLauncher{obj: conn.Object(appID, ObjectPath(appID))}
}

// LoadItem asks the application to show object id, found via query.
func (l *BusLauncher) LoadItem(ctx context.Context, id, query string, timestamp uint32) error {
	return l.obj.CallWithContext(ctx, api.KnowledgeSearch+".LoadItem", 0, id, query, timestamp).Err
}

// LoadQuery asks the application to run query.
func (l *BusLauncher) LoadQuery(ctx context.Context, query string, timestamp uint32) error {
	return l.obj.CallWithContext(ctx, api.KnowledgeSearch+".LoadQuery", 0, query, timestamp).Err
}
