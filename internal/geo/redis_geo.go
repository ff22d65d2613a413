package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/servimatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Provider metadata
// lives in a hash next to the geo set.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p models.Provider) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(p.ID), map[string]interface{}{
		"name":     p.Name,
		"rating":   fmt.Sprintf("%f", p.Rating),
		"reviews":  strconv.Itoa(p.ReviewCount),
		"price":    fmt.Sprintf("%f", p.Price),
		"category": string(p.Category),
		"online":   strconv.FormatBool(p.Online),
		"updated":  time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(lat, lon float64, category models.ServiceCategory, limit int) []models.Provider {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 10000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Provider, 0, len(res))
	for _, g := range res {
		p := models.Provider{ID: g.Name}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		p.DistanceKm = g.Dist / 1000
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			applyMeta(&p, m)
		}
		if category != "" && p.Category != category {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *RedisGeo) Get(id string) (models.Provider, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil || len(m) == 0 {
		return models.Provider{}, false
	}
	p := models.Provider{ID: id}
	applyMeta(&p, m)
	if pos, err := r.client.GeoPos(r.ctx, r.key, id).Result(); err == nil && len(pos) > 0 && pos[0] != nil {
		p.Loc.Lat = pos[0].Latitude
		p.Loc.Lon = pos[0].Longitude
	}
	return p, true
}

func applyMeta(p *models.Provider, m map[string]string) {
	p.Name = m["name"]
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Rating = f
		}
	}
	if v, ok := m["reviews"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			p.ReviewCount = n
		}
	}
	if v, ok := m["price"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Price = f
		}
	}
	if v, ok := m["category"]; ok {
		p.Category = models.ServiceCategory(v)
	}
	if v, ok := m["online"]; ok {
		p.Online = (v == "true")
	}
}

func metaKey(id string) string { return "provider:meta:" + id }
