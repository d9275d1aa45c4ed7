package cfg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load 从配置文件加载选项：按扩展名解码，设置 def 默认值，执行 validate 校验
func Load(path string, object interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	data, err := decode(filepath.Ext(path), buf)
	if err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	if err := Bind(data, object); err != nil {
		return err
	}

	if err := SetDefaults(object); err != nil {
		return err
	}

	return Validate(object)
}

// Validate 校验选项结构体上的 validate tag
func Validate(object interface{}) error {
	if err := validate.Struct(object); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// decode 根据文件扩展名选择解码器
func decode(ext string, buf []byte) (map[string]any, error) {
	data := map[string]any{}

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(buf, &data); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(buf, &data); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(buf, &data); err != nil {
			return nil, err
		}
	case ".ini":
		file, err := ini.Load(buf)
		if err != nil {
			return nil, err
		}
		for _, section := range file.Sections() {
			target := data
			if section.Name() != ini.DefaultSection {
				sub := map[string]any{}
				data[section.Name()] = sub
				target = sub
			}
			for _, key := range section.Keys() {
				target[key.Name()] = key.Value()
			}
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return data, nil
}

// Watch 监听配置文件变更，变更后重新加载并回调。返回停止函数。
func Watch(path string, object interface{}, onChange func(object interface{})) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := Load(path, object); err != nil {
					// 配置写到一半时可能解析失败，等下一次事件
					continue
				}
				onChange(object)
			case <-watcher.Errors:
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
