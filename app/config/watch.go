package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变化，重新解码成功后回调 fn
// 解码或校验失败时保留旧配置
func Watch(fn func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode()
		if err != nil {
			log.Printf("配置文件 %s 变更后无效，忽略: %v", e.Name, err)
			return
		}
		fn(cfg)
	})
	viper.WatchConfig()
}
