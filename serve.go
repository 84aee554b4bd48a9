package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"gopkg.in/yaml.v3"

	"github.com/devatadev/gowvvault/vault"
	"github.com/devatadev/gowvvault/wv"
)

type Config struct {
	Serve   Serve           `yaml:"serve"`
	Users   map[string]User `yaml:"users"`
	Devices []string        `yaml:"devices"`
	Vaults  []VaultConfig   `yaml:"vaults"`
}

type User struct {
	Devices []string `yaml:"devices"`
	Name    string   `yaml:"name"`
}

type Serve struct {
	Port             int64  `yaml:"port"`
	Host             string `yaml:"host"`
	Mode             string `yaml:"mode"`
	ForcePrivacyMode bool   `yaml:"force_privacy_mode"`
}

type VaultConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // local or remote
	Path     string `yaml:"path"` // local: sqlite database file
	URL      string `yaml:"url"`  // remote: base url
	Secret   string `yaml:"secret"`
	Readable *bool  `yaml:"readable"`
	Writable *bool  `yaml:"writable"`
}

type KeyResponseItem struct {
	KeyId string `json:"key_id"`
	Key   string `json:"key"`
}

func readConfig() *Config {
	yamlFile, err := os.ReadFile("./serve.yaml")

	if err != nil {
		panic(err)
	}

	var config Config

	err = yaml.Unmarshal(yamlFile, &config)
	if err != nil {
		panic(err)
	}
	return &config
}

func (vc VaultConfig) capabilities() vault.Capabilities {
	caps := vault.ReadWrite
	if vc.Readable != nil {
		caps.Readable = *vc.Readable
	}
	if vc.Writable != nil {
		caps.Writable = *vc.Writable
	}
	return caps
}

func openVaults(config *Config, logger *slog.Logger) []vault.Vault {
	vaults := make([]vault.Vault, 0, len(config.Vaults))
	for _, vc := range config.Vaults {
		switch strings.ToLower(vc.Kind) {
		case string(vault.KindLocal):
			v, err := vault.OpenSQLite(vc.Path, vc.Name, vc.capabilities())
			if err != nil {
				logger.Error("skipping local vault", "vault", vc.Name, "error", err)
				continue
			}
			vaults = append(vaults, v)
		case string(vault.KindRemote):
			vaults = append(vaults, vault.NewRemote(vc.URL, vc.Secret, vc.Name, vc.capabilities()))
		default:
			logger.Error("skipping vault with unknown kind", "vault", vc.Name, "kind", vc.Kind)
		}
	}
	return vaults
}

func loadDevices(paths []string, logger *slog.Logger) map[string]*wv.Device {
	devices := make(map[string]*wv.Device, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		wvdFile, err := os.ReadFile(path)
		if err != nil {
			logger.Error("skipping device", "device", name, "error", err)
			continue
		}
		device, err := wv.NewDevice(wv.FromWVD(bytes.NewReader(wvdFile)))
		if err != nil {
			logger.Error("skipping device", "device", name, "error", err)
			continue
		}
		devices[name] = device
		logger.Info("loaded device",
			"device", name,
			"type", device.Type().String(),
			"security_level", device.SecurityLevel(),
			"system_id", device.SystemId())
	}
	return devices
}

// cdmPool hands out one CDM per user+device pair, creating it on first
// use. Handlers run concurrently, so the map is mutex-guarded.
type cdmPool struct {
	mu   sync.Mutex
	cdms map[string]*wv.CDM
}

func newCDMPool() *cdmPool {
	return &cdmPool{cdms: make(map[string]*wv.CDM)}
}

func (p *cdmPool) get(user, deviceName string, device *wv.Device) *wv.CDM {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := user + "/" + deviceName
	cdm := p.cdms[key]
	if cdm == nil {
		cdm = wv.NewCDM(device)
		p.cdms[key] = cdm
	}
	return cdm
}

func main() {
	config := readConfig()
	logger := slog.Default()
	mode := config.Serve.Mode
	if mode == "" {
		mode = "release"
	} else if (mode == "prod") || (mode == "production") {
		mode = "release"
	} else {
		mode = "debug"
	}
	var router *gin.Engine
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
		// access log file
		gin.DefaultWriter = io.Discard
		router = gin.New()
	} else {
		router = gin.Default()
	}

	devices := loadDevices(config.Devices, logger)
	vaults := openVaults(config, logger)
	defer func() {
		for _, v := range vaults {
			_ = v.Close()
		}
	}()
	manager := vault.NewManager(vaults, logger)

	pool := newCDMPool()

	// middleware check for secret key
	router.Use(func(c *gin.Context) {
		secretKey := c.Request.Header["X-Secret-Key"]
		if secretKey == nil {
			c.JSON(401, gin.H{
				"status":  401,
				"message": "Unauthorized",
			})
			c.Abort()
			return
		}
		user := config.Users[secretKey[0]]
		if user.Name == "" {
			c.JSON(401, gin.H{
				"status":  401,
				"message": "Unauthorized",
			})
			c.Abort()
			return
		}
		// set secret key to context
		c.Set("secret_key", secretKey[0])
		c.Next()
	})
	// set response headers
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		c.Header("Content-Type", "application/json")
		c.Header("X-Request-Via", "GoWVVault")
		c.Next()
	})

	// deviceFor authorizes the caller for the named device and resolves
	// its CDM, creating one on first use.
	deviceFor := func(c *gin.Context) (*wv.CDM, bool) {
		secretKey, _ := c.Get("secret_key")
		deviceName := c.Param("device")

		if !slices.Contains(config.Users[secretKey.(string)].Devices, deviceName) {
			c.JSON(401, gin.H{
				"status":  401,
				"message": "Unauthorized",
			})
			c.Abort()
			return nil, false
		}

		device := devices[deviceName]
		if device == nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Device not found",
			})
			c.Abort()
			return nil, false
		}

		return pool.get(secretKey.(string), deviceName, device), true
	}

	sessionIDFrom := func(c *gin.Context, raw string) ([]byte, bool) {
		sessionId, err := hex.DecodeString(raw)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to decode session id",
			})
			c.Abort()
			return nil, false
		}
		return sessionId, true
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  200,
			"message": "GoWVVault is running!",
		})
	})

	router.HEAD("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  200,
			"message": "GoWVVault is running!",
		})
	})

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  200,
			"message": "pong",
		})
	})

	router.POST("/:device/open", func(c *gin.Context) {
		cdm, ok := deviceFor(c)
		if !ok {
			return
		}

		var body struct {
			InitData    string `json:"init_data"`
			LicenseType string `json:"license_type"`
			PrivacyMode bool   `json:"privacy_mode"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.InitData == "" {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "init_data not found",
			})
			c.Abort()
			return
		}

		psshDecoded, err := base64.StdEncoding.DecodeString(body.InitData)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to decode pssh",
			})
			c.Abort()
			return
		}
		pssh, err := wv.NewPSSH(psshDecoded)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to create pssh : " + err.Error(),
			})
			c.Abort()
			return
		}

		licenseType := wvpb.LicenseType_STREAMING
		if body.LicenseType != "" {
			mapped, ok := wvpb.LicenseType_value[strings.ToUpper(body.LicenseType)]
			if !ok {
				c.JSON(400, gin.H{
					"status":  400,
					"message": "Failed to map license type",
				})
				c.Abort()
				return
			}
			licenseType = wvpb.LicenseType(mapped)
		}

		privacyMode := body.PrivacyMode || config.Serve.ForcePrivacyMode

		session, err := cdm.OpenSession(pssh, licenseType, privacyMode)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to open session : " + err.Error(),
			})
			c.Abort()
			return
		}

		keyIds := make([]string, 0, len(pssh.KeyIDs()))
		for _, kid := range pssh.KeyIDs() {
			keyIds = append(keyIds, hex.EncodeToString(kid))
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data": gin.H{
				"session_id":   session.HexId(),
				"system_id":    cdm.GetSystemId(),
				"drm_system":   pssh.System().String(),
				"key_ids":      keyIds,
				"privacy_mode": session.PrivacyMode(),
			},
		})
	})

	router.GET("/:device/close/:session_id", func(c *gin.Context) {
		cdm, ok := deviceFor(c)
		if !ok {
			return
		}
		sessionId, ok := sessionIDFrom(c, c.Param("session_id"))
		if !ok {
			return
		}

		if err := cdm.CloseSession(sessionId); err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to close session",
			})
			c.Abort()
			return
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Session closed",
		})
	})

	router.POST("/:device/set_service_certificate", func(c *gin.Context) {
		cdm, ok := deviceFor(c)
		if !ok {
			return
		}

		var body struct {
			SessionID   string `json:"session_id"`
			Certificate string `json:"certificate"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" || body.Certificate == "" {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Session id or certificate not found",
			})
			c.Abort()
			return
		}

		sessionId, ok := sessionIDFrom(c, body.SessionID)
		if !ok {
			return
		}

		var certificateDecoded []byte
		var err error
		switch body.Certificate {
		case "common":
			certificateDecoded, err = base64.StdEncoding.DecodeString(wv.CommonPrivacyCert)
		case "staging":
			certificateDecoded, err = base64.StdEncoding.DecodeString(wv.StagingPrivacyCert)
		default:
			certificateDecoded, err = base64.StdEncoding.DecodeString(body.Certificate)
		}
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to decode certificate",
			})
			c.Abort()
			return
		}

		if _, err := cdm.SetServiceCertificate(sessionId, certificateDecoded); err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to set service certificate : " + err.Error(),
			})
			c.Abort()
			return
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Service certificate set",
		})
	})

	router.POST("/:device/get_license_challenge", func(c *gin.Context) {
		cdm, ok := deviceFor(c)
		if !ok {
			return
		}

		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Session id not found",
			})
			c.Abort()
			return
		}
		sessionId, ok := sessionIDFrom(c, body.SessionID)
		if !ok {
			return
		}

		challenge, err := cdm.GetLicenseChallenge(sessionId)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to get license challenge : " + err.Error(),
			})
			c.Abort()
			return
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data": gin.H{
				"challenge_b64": base64.StdEncoding.EncodeToString(challenge),
			},
		})
	})

	router.POST("/:device/parse_license", func(c *gin.Context) {
		cdm, ok := deviceFor(c)
		if !ok {
			return
		}

		var body struct {
			SessionID string `json:"session_id"`
			License   string `json:"license"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" || body.License == "" {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Session id or license not found",
			})
			c.Abort()
			return
		}
		sessionId, ok := sessionIDFrom(c, body.SessionID)
		if !ok {
			return
		}

		licenseDecoded, err := base64.StdEncoding.DecodeString(body.License)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to decode license",
			})
			c.Abort()
			return
		}

		if _, err := cdm.ParseLicense(sessionId, licenseDecoded); err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to parse license : " + err.Error(),
			})
			c.Abort()
			return
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
		})
	})

	router.POST("/:device/get_keys/:key_type", func(c *gin.Context) {
		cdm, ok := deviceFor(c)
		if !ok {
			return
		}

		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Session id not found",
			})
			c.Abort()
			return
		}
		sessionId, ok := sessionIDFrom(c, body.SessionID)
		if !ok {
			return
		}

		keyType := wv.KeyType(0)
		if typ := c.Param("key_type"); typ != "" && strings.ToUpper(typ) != "ALL" {
			mapped, ok := wvpb.License_KeyContainer_KeyType_value[strings.ToUpper(typ)]
			if !ok {
				c.JSON(400, gin.H{
					"status":  400,
					"message": "Failed to map key type",
				})
				c.Abort()
				return
			}
			keyType = wv.KeyType(mapped)
		}

		keys, err := cdm.GetKeys(sessionId, keyType)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to get keys : " + err.Error(),
			})
			c.Abort()
			return
		}

		mappedKeyResponses := make([]*KeyResponseItem, 0)
		for _, key := range keys {
			mappedKeyResponses = append(mappedKeyResponses, &KeyResponseItem{
				KeyId: key.KeyIdHex(),
				Key:   key.KeyHex(),
			})
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data": gin.H{
				"keys": mappedKeyResponses,
			},
		})
	})

	// Vault wire API: the server side of vault.Remote. GET answers from
	// the configured vaults in priority order, PUT replicates through
	// all of them.
	router.GET("/vault/:service/:title/:kid", func(c *gin.Context) {
		kid, err := vault.NormalizeKeyID(c.Param("kid"))
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to parse key id",
			})
			c.Abort()
			return
		}

		found, _ := manager.Lookup(c.Request.Context(), c.Param("service"), c.Param("title"), [][]byte{kid})
		record, ok := found[hex.EncodeToString(kid)]
		if !ok {
			c.JSON(404, gin.H{
				"status":  404,
				"message": "Key not found",
			})
			c.Abort()
			return
		}

		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data": gin.H{
				"key": hex.EncodeToString(record.Key),
			},
		})
	})

	router.PUT("/vault/:service/:title/:kid", func(c *gin.Context) {
		kid, err := vault.NormalizeKeyID(c.Param("kid"))
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Failed to parse key id",
			})
			c.Abort()
			return
		}

		var body struct {
			Key   string `json:"key"`
			Title string `json:"title"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Key == "" {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Key not found in request body",
			})
			c.Abort()
			return
		}
		key, err := hex.DecodeString(body.Key)
		if err != nil {
			c.JSON(400, gin.H{
				"status":  400,
				"message": "Key is not hex",
			})
			c.Abort()
			return
		}

		report, err := manager.Insert(
			c.Request.Context(),
			c.Param("service"),
			c.Param("title"),
			body.Title,
			[]vault.ContentKey{{ID: kid, Key: key}},
		)
		if err != nil {
			c.JSON(502, gin.H{
				"status":  502,
				"message": "All writable vaults failed : " + err.Error(),
			})
			c.Abort()
			return
		}

		failed := make([]string, 0, len(report.Failed))
		for name := range report.Failed {
			failed = append(failed, name)
		}
		c.JSON(201, gin.H{
			"status":  201,
			"message": "Success",
			"data": gin.H{
				"succeeded": report.Succeeded,
				"failed":    failed,
			},
		})
	})

	host := config.Serve.Host
	port := config.Serve.Port
	address := host + ":" + strconv.FormatInt(port, 10)

	logger.Info("server starting", "address", address, "mode", mode)
	if err := router.Run(address); err != nil {
		logger.Error("server stopped", "error", err)
	}
}
