// Package config reads the service configuration from command line flags,
// environment variables and an optional yaml file using the viper library.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/nbisweden/refseq-fetch/internal/remote"
	"github.com/nbisweden/refseq-fetch/internal/storage"
)

var requiredConfVars []string

// Config is a parent object for all the different configuration parts
type Config struct {
	InputFile string
	Archive   storage.Conf
	Remote    remote.Options
}

// NewConfig initializes and parses the config file and/or environment using
// the viper library.
func NewConfig(app string) (*Config, error) {
	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetConfigType("yaml")
	if viper.IsSet("configPath") {
		cp := viper.GetString("configPath")
		if !strings.HasSuffix(cp, "/") {
			cp += "/"
		}
		viper.AddConfigPath(cp)
	}
	if viper.IsSet("configFile") {
		viper.SetConfigFile(viper.GetString("configFile"))
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Infoln("No config file found, using ENVs only")
		} else {
			return nil, err
		}
	}

	switch app {
	case "refseq-download":
		requiredConfVars = []string{"input.file"}
	default:
		return nil, fmt.Errorf("application '%s' doesn't exist", app)
	}

	switch viper.GetString("archive.type") {
	case "s3":
		requiredConfVars = append(requiredConfVars, "archive.s3.url", "archive.s3.accesskey", "archive.s3.secretkey", "archive.s3.bucket")
	case "sftp":
		requiredConfVars = append(requiredConfVars, "archive.sftp.host", "archive.sftp.port", "archive.sftp.username", "archive.sftp.pemkeypath")
	default:
		requiredConfVars = append(requiredConfVars, "archive.location")
	}

	for _, s := range requiredConfVars {
		if !viper.IsSet(s) || viper.GetString(s) == "" {
			return nil, fmt.Errorf("%s not set", s)
		}
	}

	if viper.IsSet("log.format") {
		if viper.GetString("log.format") == "json" {
			log.SetFormatter(&log.JSONFormatter{})
			log.Info("The logs format is set to JSON")
		}
	}

	if viper.IsSet("log.level") {
		stringLevel := viper.GetString("log.level")
		intLevel, err := log.ParseLevel(stringLevel)
		if err != nil {
			log.Infof("Log level '%s' not supported, setting to 'trace'", stringLevel)
			intLevel = log.TraceLevel
		}
		log.SetLevel(intLevel)
		log.Infof("Setting log level to '%s'", stringLevel)
	}

	c := &Config{}
	if err := c.readConfig(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) readConfig() error {
	c.InputFile = viper.GetString("input.file")

	// Setup the archive sink
	a := storage.Conf{}
	a.Type = "posix"
	if viper.IsSet("archive.type") {
		a.Type = viper.GetString("archive.type")
	}

	switch a.Type {
	case "s3":
		a.S3.URL = viper.GetString("archive.s3.url")
		a.S3.AccessKey = viper.GetString("archive.s3.accesskey")
		a.S3.SecretKey = viper.GetString("archive.s3.secretkey")
		a.S3.Bucket = viper.GetString("archive.s3.bucket")
		if viper.IsSet("archive.s3.port") {
			a.S3.Port = viper.GetInt("archive.s3.port")
		}
		if viper.IsSet("archive.s3.region") {
			a.S3.Region = viper.GetString("archive.s3.region")
		} else {
			a.S3.Region = "us-east-1"
		}
		if viper.IsSet("archive.s3.chunksize") {
			a.S3.Chunksize = viper.GetInt("archive.s3.chunksize") * 1024 * 1024
		}
		if a.S3.Chunksize < 5*1024*1024 {
			a.S3.Chunksize = 5 * 1024 * 1024
		}
		if viper.IsSet("archive.s3.uploadconcurrency") {
			a.S3.UploadConcurrency = viper.GetInt("archive.s3.uploadconcurrency")
		} else {
			a.S3.UploadConcurrency = 5
		}
		if viper.IsSet("archive.s3.cacert") {
			a.S3.CAcert = viper.GetString("archive.s3.cacert")
		}
	case "sftp":
		a.SFTP.Host = viper.GetString("archive.sftp.host")
		a.SFTP.Port = viper.GetString("archive.sftp.port")
		a.SFTP.UserName = viper.GetString("archive.sftp.username")
		a.SFTP.PemKeyPath = viper.GetString("archive.sftp.pemkeypath")
		if viper.IsSet("archive.sftp.pemkeypass") {
			a.SFTP.PemKeyPass = viper.GetString("archive.sftp.pemkeypass")
		}
		if viper.IsSet("archive.sftp.hostkey") {
			a.SFTP.HostKey = viper.GetString("archive.sftp.hostkey")
		}
	case "posix":
		a.Posix.Location = viper.GetString("archive.location")
	default:
		return errors.New("archive.type is not one of posix, s3 or sftp")
	}

	c.Archive = a

	// Setup the repository client
	r := remote.Options{}
	if viper.IsSet("remote.url") {
		r.URL = viper.GetString("remote.url")
	} else {
		r.URL = "https://ftp.ncbi.nlm.nih.gov"
	}
	// An unset or zero timeout selects the client default, the
	// timeout cannot be disabled.
	if viper.IsSet("remote.timeout") {
		r.Timeout = time.Duration(viper.GetInt("remote.timeout")) * time.Second
	}
	if viper.IsSet("remote.chunksize") {
		r.ChunkSize = viper.GetInt("remote.chunksize")
	}

	c.Remote = r

	return nil
}
