package conninfo

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/jackc/pgpassfile"
)

// LookupPassword resolves the password for a target. Precedence: password
// embedded in the URI/DSN, then PGPASSWORD, then the pgpass file named by
// PGPASSFILE or ~/.pgpass. Returns "" when nothing matches.
func LookupPassword(env Env, info *ConnInfo) string {
	if info.Password != "" {
		return info.Password
	}
	if pw := env.Getenv("PGPASSWORD"); pw != "" {
		return pw
	}

	path := env.Getenv("PGPASSFILE")
	if path == "" {
		home, err := env.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, ".pgpass")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if !fi.Mode().IsRegular() {
		slog.Warn("ignoring password file: not a regular file", "path", path)
		return ""
	}
	// libpq refuses group/world-accessible password files on POSIX.
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o077 != 0 {
		slog.Warn("ignoring password file: permissions should be u=rw (0600) or less",
			"path", path, "mode", fi.Mode().Perm().String())
		return ""
	}

	passfile, err := pgpassfile.ReadPassfile(path)
	if err != nil {
		slog.Warn("ignoring unreadable password file", "path", path, "err", err)
		return ""
	}

	host := info.Host
	if host == "" || host[0] == '/' || host[0] == '@' {
		// UNIX socket connections match pgpass entries for localhost.
		host = "localhost"
	}
	return passfile.FindPassword(host, strconv.Itoa(info.Port), info.Database, info.User)
}
