package config

import "sniper/internal/support"

// applyEnvOverrides layers environment variables over cfg. Secrets are only
// ever read from here.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = support.GetEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.TrustForwardedFor = support.GetEnvBool("TRUST_FORWARDED_FOR", cfg.Server.TrustForwardedFor)

	cfg.Store.Backend = support.GetEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.RedisURL = support.GetEnv("REDIS_URL", cfg.Store.RedisURL)

	p := &cfg.Proxy
	p.MinHealthScore = support.GetEnvFloat("PROXY_MIN_HEALTH", p.MinHealthScore)
	p.ExploreRate = support.GetEnvFloat("PROXY_EXPLORE_RATE", p.ExploreRate)
	p.MaxInflight = support.GetEnvInt("PROXY_MAX_INFLIGHT", p.MaxInflight)
	p.EWMAAlpha = support.GetEnvFloat("PROXY_EWMA_ALPHA", p.EWMAAlpha)
	p.SelectionPolicy = support.GetEnv("PROXY_SELECTION_POLICY", p.SelectionPolicy)
	p.StaticListFile = support.GetEnv("PROXY_STATIC_LIST", p.StaticListFile)
	p.GeoIPDatabase = support.GetEnv("GEOIP_DATABASE", p.GeoIPDatabase)
	p.CredentialKey = support.GetEnv("PROXY_CREDENTIAL_KEY", p.CredentialKey)

	costs := make(map[string]float64, len(p.CostPerGB)+3)
	for k, v := range p.CostPerGB {
		costs[k] = v
	}
	costs["residential"] = support.GetEnvFloat("COST_GB_RES", costs["residential"])
	costs["isp"] = support.GetEnvFloat("COST_GB_ISP", costs["isp"])
	costs["datacenter"] = support.GetEnvFloat("COST_GB_DC", costs["datacenter"])
	p.CostPerGB = costs

	r := &cfg.RateLimit
	r.CapacityGlobal = support.GetEnvFloat("RATE_GLOBAL_BURST", r.CapacityGlobal)
	r.RateGlobal = support.GetEnvFloat("RATE_GLOBAL_QPS", r.RateGlobal)
	r.CapacityRoute = support.GetEnvFloat("RATE_ROUTE_BURST", r.CapacityRoute)
	r.RateRoute = support.GetEnvFloat("RATE_ROUTE_QPS", r.RateRoute)
	r.CapacityUser = support.GetEnvFloat("RATE_USER_BURST", r.CapacityUser)
	r.RateUser = support.GetEnvFloat("RATE_USER_QPS", r.RateUser)
	r.CapacityIP = support.GetEnvFloat("RATE_IP_BURST", r.CapacityIP)
	r.RateIP = support.GetEnvFloat("RATE_IP_QPS", r.RateIP)

	cfg.Admission.MaxConcurrency = support.GetEnvInt("MAX_CONCURRENCY", cfg.Admission.MaxConcurrency)
	cfg.Admission.ShedThreshold = support.GetEnvInt("SHED_THRESHOLD", cfg.Admission.ShedThreshold)

	cfg.Cache.SigningSecret = support.GetEnv("CACHE_HMAC_SECRET", cfg.Cache.SigningSecret)
	cfg.Cache.DefaultTTLSeconds = support.GetEnvInt("CACHE_TTL", cfg.Cache.DefaultTTLSeconds)
	cfg.Cache.SWRTTLSeconds = support.GetEnvInt("CACHE_SWR_TTL", cfg.Cache.SWRTTLSeconds)

	cfg.Archive.Driver = support.GetEnv("ARCHIVE_DRIVER", cfg.Archive.Driver)
	cfg.Archive.DSN = support.GetEnv("ARCHIVE_DSN", cfg.Archive.DSN)

	cfg.Auth.JWTSecret = support.GetEnv("JWT_SECRET", cfg.Auth.JWTSecret)
}
