package metacache

import (
	"errors"

	"github.com/mitchellh/mapstructure"
)

// MetadataConfig holds the static configuration of a Metadata instance.
// Field names follow the kafka client config keys.
type MetadataConfig struct {
	// RetryBackoffMS is the minimum amount of time that must expire between
	// metadata refreshes to avoid busy polling.
	RetryBackoffMS int64 `json:"retry.backoff.ms"`
	// MetadataMaxAgeMS is the maximum amount of time that metadata can be
	// retained without refresh.
	MetadataMaxAgeMS int64 `json:"metadata.max.age.ms"`
	// AllowAutoTopicCreation lets brokers create requested topics that do
	// not exist, if the broker side enables it too.
	AllowAutoTopicCreation bool `json:"allow.auto.create.topics"`
	// TopicExpiryEnabled enables dropping topics that have not been used
	// for TopicExpiryMS from the refresh set. Producers enable it since
	// they accumulate topics over time, consumers manage topics explicitly
	// and disable it.
	TopicExpiryEnabled bool  `json:"topic.expiry.enabled"`
	TopicExpiryMS      int64 `json:"topic.expiry.ms"`
	// ClusterMetadataMaxAgeMS is the staleness threshold after which the
	// client re-resolves the bootstrap addresses instead of trusting the
	// cached node set. 0 disables it.
	ClusterMetadataMaxAgeMS int64 `json:"cluster.metadata.max.age.ms"`
	// ClientDNSLookup is one of "default", "use_all_dns_ips",
	// "resolve_canonical_bootstrap_servers_only".
	ClientDNSLookup string `json:"client.dns.lookup"`
}

var defaultMetadataConfig = &MetadataConfig{
	RetryBackoffMS:          100,
	MetadataMaxAgeMS:        300000,
	AllowAutoTopicCreation:  true,
	TopicExpiryEnabled:      false,
	TopicExpiryMS:           300000,
	ClusterMetadataMaxAgeMS: 0,
	ClientDNSLookup:         "default",
}

// DefaultMetadataConfig returns a config with the default values.
func DefaultMetadataConfig() *MetadataConfig {
	c := *defaultMetadataConfig
	return &c
}

var (
	retryBackoffMSError   = errors.New("retry.backoff.ms must >= 0")
	metadataMaxAgeMSError = errors.New("metadata.max.age.ms must > 0")
	topicExpiryMSError    = errors.New("topic.expiry.ms must > 0 when topic expiry is enabled")
)

func (config *MetadataConfig) checkValid() error {
	if config.RetryBackoffMS < 0 {
		return retryBackoffMSError
	}
	if config.MetadataMaxAgeMS <= 0 {
		return metadataMaxAgeMSError
	}
	if config.TopicExpiryEnabled && config.TopicExpiryMS <= 0 {
		return topicExpiryMSError
	}
	switch config.ClientDNSLookup {
	case "", "default", "use_all_dns_ips", "resolve_canonical_bootstrap_servers_only":
	default:
		return ConfigError("unknown client.dns.lookup: " + config.ClientDNSLookup)
	}
	return nil
}

// createMetadataConfig accepts nil, map[string]interface{} with kafka config
// keys, MetadataConfig or *MetadataConfig.
func createMetadataConfig(config interface{}) (c MetadataConfig, err error) {
	switch v := config.(type) {
	case nil:
		c = *defaultMetadataConfig
	case map[string]interface{}:
		c = *defaultMetadataConfig
		var decoder *mapstructure.Decoder
		decoder, err = mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			Result:           &c,
		})
		if err != nil {
			return c, err
		}
		if err = decoder.Decode(v); err != nil {
			return c, err
		}
	case MetadataConfig:
		c = v
	case *MetadataConfig:
		c = *v
	default:
		return c, errors.New("metadata only accept config from map[string]interface{} or MetadataConfig")
	}

	return c, c.checkValid()
}
