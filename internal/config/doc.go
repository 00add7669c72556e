// Package config manages the YAML configuration shared by dtp-server and
// dtp-client.
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/dtp/config.yaml or $HOME/.config/dtp/config.yaml
//   - macOS: $HOME/.config/dtp/config.yaml
//   - Windows: %LOCALAPPDATA%\dtp\config.yaml
//
// A missing file is not an error; Load returns Default(). Command-line
// flags override whatever the file says.
//
// # Example File
//
//	version: 1
//	server:
//	    port: 29275
//	    max_frame_size: 67108864
//	    handshake_timeout: 5s
//	    metrics_addr: :9090
//	client:
//	    server: 127.0.0.1:29275
//	    suite: xchacha20poly1305
//	    timeout: 10s
//	codec:
//	    compression: zstd
//	log_level: info
//
// Session keys and keypairs are never written to disk.
package config
