package settings

// Setting keys read by the session core. Unlike the bridge this was
// forked from, citm has no GUI and no per-user preferences pane: every
// key here is a process-wide deployment setting, loaded once at startup
// and never mutated by the core itself.
const (
	// ListenAddr is the address the downstream ImapServer listens on.
	ListenAddr = "listen_addr"
	// UpstreamHost/UpstreamPort address the Splintermail IMAP server.
	UpstreamHost = "upstream_host"
	UpstreamPort = "upstream_port"
	// UpstreamTLS selects whether the upstream dial starts in TLS
	// (true) or plaintext+STARTTLS (false).
	UpstreamTLS = "upstream_tls"
	// KeyDirRoot is <root> from spec.md §6's persistence layout.
	KeyDirRoot = "key_dir_root"
	// DownstreamSecurity is one of "insecure", "starttls", "tls" and
	// picks the Security mode new downstream connections are tagged
	// with.
	DownstreamSecurity = "downstream_security"
	// TLSCertFile / TLSKeyFile configure the downstream TLS listener
	// when DownstreamSecurity != "insecure".
	TLSCertFile = "tls_cert_file"
	TLSKeyFile  = "tls_key_file"
)

// Settings is a thin, typed façade over the generic keyValueStore, the
// same relationship imapBackend's constructor has with *settings.Settings
// in the teacher repo (there the type lived in a sibling file we didn't
// retrieve; here it is reconstructed from its call sites).
type Settings struct {
	store *keyValueStore
}

// New loads settings from path, applying defaults for anything missing.
func New(path string) *Settings {
	s := &Settings{store: newKeyValueStore(path)}
	s.store.setDefault(ListenAddr, "127.0.0.1:1143")
	s.store.setDefault(UpstreamHost, "imap.splintermail.com")
	s.store.setDefault(UpstreamPort, "993")
	s.store.setDefault(UpstreamTLS, "true")
	s.store.setDefault(DownstreamSecurity, "starttls")
	return s
}

func (s *Settings) Get(key string) string   { return s.store.Get(key) }
func (s *Settings) GetBool(key string) bool { return s.store.GetBool(key) }
func (s *Settings) GetInt(key string) int   { return s.store.GetInt(key) }
